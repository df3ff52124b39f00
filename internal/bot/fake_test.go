package bot

import (
	"context"
	"errors"
	"sync"

	"github.com/wikinerd/wikinerd/internal/adapter"
	"github.com/wikinerd/wikinerd/internal/chat"
)

type sent struct {
	Channel string
	Text    string
}

// fakeAdapter is an in-memory adapter recording sends and typing signals.
type fakeAdapter struct {
	mu        sync.Mutex
	channels  map[string]*chat.Channel
	users     map[string]*chat.User
	sent      []sent
	typing    []string
	onMessage adapter.MessageHandler
	onConnect adapter.ConnectHandler
	started   bool
	stopped   bool
	startErr  error
	sendErr   error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		channels: make(map[string]*chat.Channel),
		users:    make(map[string]*chat.User),
	}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAdapter) OnMessage(h adapter.MessageHandler) { f.onMessage = h }

func (f *fakeAdapter) OnConnect(h adapter.ConnectHandler) { f.onConnect = h }

func (f *fakeAdapter) Send(ctx context.Context, text, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sent{Channel: channelID, Text: text})
	return nil
}

func (f *fakeAdapter) SetTyping(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, channelID)
}

func (f *fakeAdapter) Channel(ctx context.Context, id string) (*chat.Channel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	return ch, ok
}

func (f *fakeAdapter) User(ctx context.Context, id string) (*chat.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	return u, ok
}

func (f *fakeAdapter) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeAdapter) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

var errBoom = errors.New("boom")
