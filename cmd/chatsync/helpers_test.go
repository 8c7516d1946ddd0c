package main

import (
	"bytes"
	"sync"

	"github.com/haasonsaas/chatsync/internal/feed"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func feedDraft(to, body string) feed.Draft {
	return feed.Draft{ReceiverID: to, Body: body}
}
