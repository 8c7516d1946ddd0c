package outbox

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Schema steps are numbered files, NNNN_name.sql. The file records the last
// step it went through in SQLite's user_version, so an outbox opened by an
// older build than the one that wrote it is refused instead of misread.
//
//go:embed migrations/*.sql
var schemaFS embed.FS

type schemaStep struct {
	version int
	name    string
	sql     string
}

func schemaSteps() ([]schemaStep, error) {
	files, err := fs.Glob(schemaFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list schema steps: %w", err)
	}

	steps := make([]schemaStep, 0, len(files))
	for _, file := range files {
		base := strings.TrimSuffix(path.Base(file), ".sql")
		number, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(number)
		if !ok || err != nil || version <= 0 {
			return nil, fmt.Errorf("schema step %s: want NNNN_name.sql", file)
		}
		data, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema step %s: %w", file, err)
		}
		steps = append(steps, schemaStep{version: version, name: name, sql: string(data)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	for i, step := range steps {
		if step.version != i+1 {
			return nil, fmt.Errorf("schema step %d (%s) is out of sequence", step.version, step.name)
		}
	}
	return steps, nil
}

// latestSchemaVersion is the version this build writes.
func latestSchemaVersion() (int, error) {
	steps, err := schemaSteps()
	if err != nil {
		return 0, err
	}
	return len(steps), nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read outbox schema version: %w", err)
	}
	return version, nil
}

// migrate brings the outbox file up to the newest schema and returns the
// names of the steps it ran.
func migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("outbox: db is required")
	}
	steps, err := schemaSteps()
	if err != nil {
		return nil, err
	}
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	if current > len(steps) {
		return nil, fmt.Errorf("outbox schema version %d is newer than this build supports (%d)", current, len(steps))
	}

	var ran []string
	for _, step := range steps[current:] {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return ran, fmt.Errorf("begin schema step %s: %w", step.name, err)
		}
		if _, err := tx.ExecContext(ctx, step.sql); err != nil {
			_ = tx.Rollback()
			return ran, fmt.Errorf("schema step %s: %w", step.name, err)
		}
		// PRAGMA takes no bind parameters; version is an int from the file name.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
			_ = tx.Rollback()
			return ran, fmt.Errorf("record schema step %s: %w", step.name, err)
		}
		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("commit schema step %s: %w", step.name, err)
		}
		ran = append(ran, step.name)
	}
	return ran, nil
}
