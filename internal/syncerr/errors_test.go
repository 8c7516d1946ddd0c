package syncerr

import (
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/chatsync/internal/retry"
)

func TestClassification(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		transient bool
		rejected  bool
		dropped   bool
	}{
		{"transient", Transient("insert message", cause), true, false, false},
		{"rejected", Rejected("insert message", cause), false, true, false},
		{"dropped", SubscriptionDropped("messages", cause), false, false, true},
		{"plain error counts as transient", cause, true, false, false},
		{"bare permanent counts as rejected", retry.Permanent(cause), false, true, false},
		{"nil", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := IsRejected(tt.err); got != tt.rejected {
				t.Errorf("IsRejected = %v, want %v", got, tt.rejected)
			}
			if got := IsSubscriptionDropped(tt.err); got != tt.dropped {
				t.Errorf("IsSubscriptionDropped = %v, want %v", got, tt.dropped)
			}
		})
	}
}

func TestRejected_StopsRetries(t *testing.T) {
	err := Rejected("toggle like", errors.New("post deleted"))
	if !retry.IsPermanent(err) {
		t.Fatal("rejections must be permanent for retry loops")
	}
	if CodeOf(err) != CodeRejected {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), CodeRejected)
	}
}

func TestError_Message(t *testing.T) {
	err := New(CodeTransient, "probe", errors.New("timeout"))
	if !strings.Contains(err.Error(), "TRANSIENT_NETWORK") || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("unexpected message %q", err.Error())
	}
	dropped := SubscriptionDropped("posts", nil)
	var syncErr *Error
	if !errors.As(dropped, &syncErr) || syncErr.Context["resource"] != "posts" {
		t.Errorf("expected resource context, got %+v", syncErr)
	}
}
