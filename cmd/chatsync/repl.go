package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/chatsync/internal/feed"
	"github.com/haasonsaas/chatsync/internal/session"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// repl reads commands line by line and drives the session.
type repl struct {
	sess     *session.Session
	activity *lineActivity

	outMu sync.Mutex
	out   io.Writer

	// Sends and likes complete in the background.
	pending sync.WaitGroup

	seenMu sync.Mutex
	seen   map[string]bool
}

func newREPL(sess *session.Session, out io.Writer) *repl {
	return &repl{sess: sess, out: out, seen: make(map[string]bool)}
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run processes input until EOF, "quit" or ctx is done. Background work is
// waited for before returning.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	defer r.pending.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if r.activity != nil {
				r.activity.touch()
			}
			if r.handle(ctx, line) {
				return nil
			}
		}
	}
}

// watchIncoming prints messages from peers as they arrive.
func (r *repl) watchIncoming() func() {
	me := r.sess.UserID()
	return r.sess.Feed().OnChange(func(change feed.Change) {
		if change.Kind != feed.ChangeMessage {
			return
		}
		msg, ok := r.sess.Feed().Message(change.ID)
		if !ok || msg.SenderID == me {
			return
		}
		r.seenMu.Lock()
		dup := r.seen[msg.ID]
		r.seen[msg.ID] = true
		r.seenMu.Unlock()
		if !dup {
			r.printf("<%s> %s\n", msg.SenderID, msg.Body)
		}
	})
}

// handle executes one command line and reports whether to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	feedSync := r.sess.Feed()

	switch cmd, args := fields[0], fields[1:]; cmd {
	case "quit", "exit":
		return true

	case "help":
		r.printf("commands: send open close threads posts like notifications status who resend discard health quit\n")

	case "send":
		if len(args) < 2 {
			r.printf("usage: send <peer> <text>\n")
			return false
		}
		draft := feed.Draft{ReceiverID: args[0], Body: strings.Join(args[1:], " ")}
		r.background(func() {
			msg, err := feedSync.Send(ctx, draft)
			switch {
			case err != nil && msg.ID == "":
				r.printf("send failed: %v\n", err)
			case err != nil:
				r.printf("message %s %s: %v\n", shortID(msg.ID), msg.DeliveryState, err)
			default:
				r.printf("message %s %s\n", shortID(msg.ID), msg.DeliveryState)
			}
		})

	case "open":
		if len(args) != 1 {
			r.printf("usage: open <peer>\n")
			return false
		}
		feedSync.SetActiveThread(ctx, args[0])
		for _, msg := range feedSync.Messages(args[0]) {
			r.printf("%s [%s] <%s> %s (%s)\n",
				msg.CreatedAt.Format("15:04:05"), shortID(msg.ID), msg.SenderID, msg.Body, msg.DeliveryState)
		}

	case "close":
		feedSync.SetActiveThread(ctx, "")

	case "threads":
		threads := feedSync.Threads()
		if len(threads) == 0 {
			r.printf("no conversations\n")
		}
		for _, th := range threads {
			r.printf("%-16s unread=%d  %s\n", th.Peer(r.sess.UserID()), th.UnreadCount, th.LastMessagePreview)
		}

	case "posts":
		for _, post := range feedSync.Posts() {
			liked := " "
			if post.LikedByMe {
				liked = "*"
			}
			r.printf("%s likes=%d%s  <%s> %s\n", post.ID, post.LikeCount, liked, post.AuthorID, post.Body)
		}

	case "like":
		if len(args) != 1 {
			r.printf("usage: like <post-id>\n")
			return false
		}
		outcome, err := feedSync.ToggleLike(ctx, args[0])
		if err != nil {
			r.printf("%v\n", err)
			return false
		}
		r.background(func() {
			res := <-outcome
			if res.Err != nil {
				r.printf("like on %s rolled back: %v\n", args[0], res.Err)
				return
			}
			r.printf("post %s likes=%d liked=%v\n", args[0], res.Value.Count, res.Value.Liked)
		})

	case "notifications":
		for _, n := range feedSync.Notifications() {
			r.printf("%s %-8s from %s\n", n.CreatedAt.Format("15:04:05"), n.Kind, n.ActorID)
		}

	case "status":
		if len(args) != 1 {
			r.printf("usage: status online|away|busy|offline\n")
			return false
		}
		if err := r.sess.Presence().SetStatus(ctx, models.PresenceStatus(args[0])); err != nil {
			r.printf("%v\n", err)
		}

	case "who":
		records := r.sess.Presence().Records()
		sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
		for _, rec := range records {
			r.printf("%-16s %-8s last seen %s\n", rec.UserID, rec.Status, rec.LastSeenAt.Format("15:04:05"))
		}

	case "resend", "discard":
		if len(args) != 1 {
			r.printf("usage: %s <message-id>\n", cmd)
			return false
		}
		id, ok := r.resolveMessage(args[0])
		if !ok {
			r.printf("no message %s\n", args[0])
			return false
		}
		if cmd == "discard" {
			if err := feedSync.Discard(ctx, id); err != nil {
				r.printf("%v\n", err)
			}
			return false
		}
		r.background(func() {
			msg, err := feedSync.Resend(ctx, id)
			if err != nil {
				r.printf("resend: %v\n", err)
				return
			}
			r.printf("message %s %s\n", shortID(msg.ID), msg.DeliveryState)
		})

	case "health":
		health := r.sess.Health(ctx)
		names := make([]string, 0, len(health))
		for name := range health {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			h := health[name]
			r.printf("%-11s %-9s %s\n", name, h.State, h.Message)
		}

	default:
		r.printf("unknown command %q\n", cmd)
	}
	return false
}

func (r *repl) background(fn func()) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		fn()
	}()
}

// resolveMessage accepts a full id or the short prefix printed by the REPL.
func (r *repl) resolveMessage(prefix string) (string, bool) {
	feedSync := r.sess.Feed()
	if _, ok := feedSync.Message(prefix); ok {
		return prefix, true
	}
	for _, th := range feedSync.Threads() {
		for _, msg := range feedSync.Messages(th.Peer(r.sess.UserID())) {
			if strings.HasPrefix(msg.ID, prefix) {
				return msg.ID, true
			}
		}
	}
	return "", false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
