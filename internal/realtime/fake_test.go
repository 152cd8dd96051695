package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bustrack/internal/store"
)

// fakeTransport records text frames written to it.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failErr error
	onWrite func()
}

func (f *fakeTransport) WriteMessage(mt int, data []byte) error {
	if f.onWrite != nil {
		f.onWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed transport")
	}
	if f.failErr != nil {
		return f.failErr
	}
	if mt == 1 { // websocket.TextMessage
		f.frames = append(f.frames, append([]byte(nil), data...))
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) messages(t *testing.T) []Outbound {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outbound, 0, len(f.frames))
	for _, b := range f.frames {
		var o Outbound
		require.NoError(t, json.Unmarshal(b, &o))
		out = append(out, o)
	}
	return out
}

func (f *fakeTransport) ofType(t *testing.T, kind OutboundKind) []json.RawMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, b := range f.frames {
		var env struct {
			Type OutboundKind    `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == kind {
			out = append(out, env.Data)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func newTestHub(t *testing.T) (*Hub, *store.Memory) {
	t.Helper()
	mem, err := store.NewSeededMemory("")
	require.NoError(t, err)
	n := 0
	hub := NewHub(context.Background(), mem, NewRegistry(), Options{
		Logger: zerolog.Nop(),
		NewID: func() string {
			n++
			return fmt.Sprintf("c%d", n)
		},
	})
	return hub, mem
}

// open accepts a fake connection and, when role is set, authenticates it.
func open(t *testing.T, hub *Hub, userID, role string) (*Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := hub.Accept(ft)
	if role != "" {
		hub.Handle(c, []byte(`{"type":"auth","userId":"`+userID+`","role":"`+role+`"}`))
		_, _, ok := c.Identity()
		require.True(t, ok, "auth %s/%s", userID, role)
	}
	return c, ft
}
