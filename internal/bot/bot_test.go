package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wikinerd/wikinerd/internal/adapter"
	"github.com/wikinerd/wikinerd/internal/chat"
	"github.com/wikinerd/wikinerd/internal/dispatch"
)

type call struct {
	name string
	ch   *chat.Channel
	user *chat.User
}

type callLog struct {
	mu    sync.Mutex
	calls []call
}

func (l *callLog) handler(name string) dispatch.Handler {
	return dispatch.HandlerFunc(func(_ context.Context, _ dispatch.Responder, _ *chat.Message, ch *chat.Channel, user *chat.User) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.calls = append(l.calls, call{name: name, ch: ch, user: user})
		return nil
	})
}

func (l *callLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.calls))
	for i, c := range l.calls {
		names[i] = c.name
	}
	return names
}

func newTestBot(t *testing.T, register func(r *dispatch.Registry)) (*Bot, *fakeAdapter) {
	t.Helper()
	fa := newFakeAdapter()
	fa.channels["C1"] = &chat.Channel{ID: "C1", Name: "general", Members: []string{"U1", "U2", "B1"}}
	fa.users["U1"] = &chat.User{ID: "U1", Name: "alice", Presence: chat.PresenceActive}
	fa.users["U2"] = &chat.User{ID: "U2", Name: "bob", Presence: chat.PresenceAway}
	fa.users["B1"] = &chat.User{ID: "B1", Name: "wikinerd", IsBot: true, Presence: chat.PresenceActive}

	reg := dispatch.NewRegistry()
	register(reg)
	b := New(DefaultConfig(), fa, reg, zap.NewNop())
	return b, fa
}

func TestDispatchInvokesAllMatchesInOrder(t *testing.T) {
	log := &callLog{}
	b, _ := newTestBot(t, func(r *dispatch.Registry) {
		r.MustRegister("wiki", log.handler("wiki"), true)
		r.MustRegister("help", log.handler("help"), true)
		r.MustRegister("einstein", log.handler("einstein"), false)
	})

	n := b.Dispatch(context.Background(), &chat.Message{Channel: "C1", User: "U1", Text: "wiki Einstein"})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"wiki", "einstein"}, log.names())
	assert.Equal(t, "general", log.calls[0].ch.Name)
	assert.Equal(t, "alice", log.calls[0].user.Name)
}

func TestDispatchIgnoresMessagesWithoutText(t *testing.T) {
	log := &callLog{}
	b, _ := newTestBot(t, func(r *dispatch.Registry) {
		r.MustRegister(".*", log.handler("any"), false)
	})

	assert.Equal(t, 0, b.Dispatch(context.Background(), &chat.Message{Channel: "C1", User: "U1", SubType: "channel_join"}))
	assert.Equal(t, 0, b.Dispatch(context.Background(), nil))
	assert.Empty(t, log.names())
}

func TestDispatchToleratesUnknownUserAndChannel(t *testing.T) {
	log := &callLog{}
	b, _ := newTestBot(t, func(r *dispatch.Registry) {
		r.MustRegister("help", log.handler("help"), true)
	})

	n := b.Dispatch(context.Background(), &chat.Message{Channel: "C404", Text: "help"})

	require.Equal(t, 1, n)
	assert.Nil(t, log.calls[0].ch)
	assert.Nil(t, log.calls[0].user)
}

func TestDispatchSkipsOwnMessages(t *testing.T) {
	log := &callLog{}
	b, fa := newTestBot(t, func(r *dispatch.Registry) {
		r.MustRegister("wiki", log.handler("wiki"), false)
	})
	fa.onConnect(chat.Identity{UserID: "B1", UserName: "wikinerd", TeamName: "acme"})

	assert.Equal(t, "wikinerd", b.Name())
	assert.Equal(t, 0, b.Dispatch(context.Background(), &chat.Message{Channel: "C1", User: "B1", Text: "https://en.wikipedia.org/wiki/x"}))
	assert.Empty(t, log.names())
}

func TestDispatchIsolatesHandlerFailures(t *testing.T) {
	log := &callLog{}
	b, _ := newTestBot(t, func(r *dispatch.Registry) {
		r.MustRegister("test", dispatch.HandlerFunc(func(context.Context, dispatch.Responder, *chat.Message, *chat.Channel, *chat.User) error {
			panic("handler bug")
		}), true)
		r.MustRegister("test", dispatch.HandlerFunc(func(context.Context, dispatch.Responder, *chat.Message, *chat.Channel, *chat.User) error {
			return errBoom
		}), true)
		r.MustRegister("test", log.handler("third"), true)
	})

	n := b.Dispatch(context.Background(), &chat.Message{Channel: "C1", User: "U1", Text: "test"})

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"third"}, log.names())
}

func TestNewSealsRegistry(t *testing.T) {
	reg := dispatch.NewRegistry()
	New(DefaultConfig(), newFakeAdapter(), reg, zap.NewNop())
	assert.ErrorIs(t, reg.Register("x", (&callLog{}).handler("x"), false), dispatch.ErrSealed)
}

func TestStartRoutesAdapterMessages(t *testing.T) {
	log := &callLog{}
	b, fa := newTestBot(t, func(r *dispatch.Registry) {
		r.MustRegister("help", log.handler("help"), true)
	})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Stop(context.Background()) })

	fa.onMessage(&chat.Message{ID: "1", Channel: "C1", User: "U1", Text: "help"})
	fa.onMessage(&chat.Message{ID: "2", Channel: "C1", User: "U1", Text: "Help me"})

	assert.Eventually(t, func() bool {
		return len(log.names()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	b, _ := newTestBot(t, func(r *dispatch.Registry) {})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())
	assert.Error(t, b.Start(context.Background()))
}

func TestStartAdapterError(t *testing.T) {
	fa := newFakeAdapter()
	fa.startErr = errBoom
	b := New(DefaultConfig(), fa, dispatch.NewRegistry(), zap.NewNop())

	err := b.Start(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestStopStopsAdapter(t *testing.T) {
	b, fa := newTestBot(t, func(r *dispatch.Registry) {})
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Stop(context.Background()))

	assert.True(t, fa.isStopped())
	// idempotent
	assert.NoError(t, b.Stop(context.Background()))
}

func TestSendAndTyping(t *testing.T) {
	b, fa := newTestBot(t, func(r *dispatch.Registry) {})

	require.NoError(t, b.Send(context.Background(), "hello", "C1"))
	b.SetTyping("C1")

	assert.Equal(t, []sent{{Channel: "C1", Text: "hello"}}, fa.Sent())
	assert.Equal(t, []string{"C1"}, fa.typing)

	fa.sendErr = errBoom
	assert.ErrorIs(t, b.Send(context.Background(), "again", "C1"), errBoom)
}

func TestAfterRunsScheduledTask(t *testing.T) {
	b, _ := newTestBot(t, func(r *dispatch.Registry) {})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	fired := make(chan struct{})
	b.After(10*time.Millisecond, func(context.Context) { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled task did not fire")
	}
}

func TestStopDropsScheduledTask(t *testing.T) {
	b, _ := newTestBot(t, func(r *dispatch.Registry) {})
	require.NoError(t, b.Start(context.Background()))

	var mu sync.Mutex
	fired := false
	b.After(time.Hour, func(context.Context) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)

	// after stop, new tasks are dropped
	b.Go(func(context.Context) { t.Error("task ran after stop") })
}

func TestGoRecoversPanics(t *testing.T) {
	b, _ := newTestBot(t, func(r *dispatch.Registry) {})
	require.NoError(t, b.Start(context.Background()))

	b.Go(func(context.Context) { panic("background bug") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.Stop(ctx))
}

func TestActiveMembers(t *testing.T) {
	b, fa := newTestBot(t, func(r *dispatch.Registry) {})

	names, ok := b.ActiveMembers(context.Background(), fa.channels["C1"])
	assert.True(t, ok)
	assert.Equal(t, []string{"alice"}, names)

	_, ok = b.ActiveMembers(context.Background(), &chat.Channel{ID: "D1", IsDirect: true})
	assert.False(t, ok)

	_, ok = b.ActiveMembers(context.Background(), nil)
	assert.False(t, ok)
}

func TestSupervisorLaunch(t *testing.T) {
	var adapters []*fakeAdapter
	factory := adapter.Factory(func(token string) (adapter.Adapter, error) {
		fa := newFakeAdapter()
		adapters = append(adapters, fa)
		return fa, nil
	})
	s := NewSupervisor(DefaultConfig(), dispatch.NewRegistry(), factory, zap.NewNop())

	assert.ErrorIs(t, s.Launch(context.Background(), ""), ErrNoToken)
	assert.False(t, s.Active())
	assert.Empty(t, adapters)

	require.NoError(t, s.Launch(context.Background(), "xoxb-1"))
	require.True(t, s.Active())
	first := s.Current()

	require.NoError(t, s.Launch(context.Background(), "xoxb-2"))
	assert.NotSame(t, first, s.Current())
	assert.True(t, adapters[0].isStopped())
	assert.False(t, adapters[1].isStopped())

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Active())
	assert.True(t, adapters[1].isStopped())
}

func TestSupervisorLaunchFailure(t *testing.T) {
	factory := adapter.Factory(func(token string) (adapter.Adapter, error) {
		fa := newFakeAdapter()
		fa.startErr = errBoom
		return fa, nil
	})
	s := NewSupervisor(DefaultConfig(), dispatch.NewRegistry(), factory, zap.NewNop())

	assert.ErrorIs(t, s.Launch(context.Background(), "xoxb-1"), errBoom)
	assert.False(t, s.Active())
}
