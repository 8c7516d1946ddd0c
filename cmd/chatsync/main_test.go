package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatsync/internal/platform/memory"
	"github.com/haasonsaas/chatsync/internal/session"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"run", "serve", "token", "config", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestTokenCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "alice", "--secret", "s3cret-s3cret"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	token := strings.TrimSpace(out.String())
	if strings.Count(token, ".") != 2 {
		t.Fatalf("token %q is not a JWT", token)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("CHATSYNC_SECRET", "")
	cmd := buildRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"token", "--user", "alice"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nuser:\n  id: alice\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "ok (user alice, memory platform)") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestConfigValidateCommandReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := buildRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "user.id") {
		t.Fatalf("Execute() error = %v, want user.id problem", err)
	}
}

func newTestSession(t *testing.T, backend *memory.Backend, userID string) *session.Session {
	t.Helper()
	client := backend.Client(userID)
	cfg := session.Config{
		UserID: userID,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cfg.Connection.Interval = 50 * time.Millisecond
	cfg.Feed.SendRetryDelay = 5 * time.Millisecond
	s, err := session.New(session.Deps{Platform: client, Presence: client.Presence()}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestREPLSendAndThreads(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	alice := newTestSession(t, backend, "alice")

	var out syncBuffer
	r := newREPL(alice, &out)
	input := strings.NewReader("send bob hello there\nbogus\nquit\nsend bob never\n")
	if err := r.run(context.Background(), input); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	r.handle(context.Background(), "threads")

	got := out.String()
	for _, want := range []string{"sent", "bob", "hello there", `unknown command "bogus"`} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "never") {
		t.Errorf("input after quit was processed:\n%s", got)
	}
}

func TestREPLPrintsIncomingMessages(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	alice := newTestSession(t, backend, "alice")
	bob := newTestSession(t, backend, "bob")

	var out syncBuffer
	r := newREPL(bob, &out)
	unwatch := r.watchIncoming()
	defer unwatch()

	if _, err := alice.Feed().Send(context.Background(), feedDraft("bob", "ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "<alice> ping") {
		if time.Now().After(deadline) {
			t.Fatalf("incoming message not printed: %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestREPLUsage(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	alice := newTestSession(t, backend, "alice")

	var out bytes.Buffer
	r := newREPL(alice, &out)
	ctx := context.Background()
	for _, line := range []string{"send bob", "open", "like", "status", "resend"} {
		r.handle(ctx, line)
	}
	if n := strings.Count(out.String(), "usage:"); n != 5 {
		t.Fatalf("usage lines = %d:\n%s", n, out.String())
	}
}
