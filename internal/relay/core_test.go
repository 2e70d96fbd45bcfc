package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushrelay/internal/ebus"
	"pushrelay/internal/registry"
	"pushrelay/internal/storage"
	"pushrelay/internal/tracker"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// endpoint records every attempt; onSend runs in its own goroutine like a
// network transport.
type endpoint struct {
	kind types.TransportKind

	mu     sync.Mutex
	sent   []string
	onSend func(attempt int, msg *types.Message, r interfaces.Reporter)
}

func (e *endpoint) Kind() types.TransportKind { return e.kind }

func (e *endpoint) Send(msg *types.Message, r interfaces.Reporter) {
	e.mu.Lock()
	e.sent = append(e.sent, msg.MID)
	attempt := len(e.sent)
	cb := e.onSend
	e.mu.Unlock()
	if cb != nil {
		go cb(attempt, msg, r)
	}
}

func (e *endpoint) Close() error { return nil }

func (e *endpoint) Sent() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.sent...)
}

func newCore(t *testing.T, store interfaces.Store) *Core {
	t.Helper()
	c := New(store, Options{
		HubBuffer: 100,
		RetryTimeouts: map[types.Scope]time.Duration{
			types.ScopeSocket:  time.Hour,
			types.ScopeWebhook: 50 * time.Millisecond,
			types.ScopeWebPush: time.Hour,
			types.ScopeFCM:     time.Hour,
		},
	}, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func message(t *testing.T, sendType types.SendType, target string) *types.Message {
	t.Helper()
	m, err := types.NewMessage(sendType, target, types.From{Method: types.MethodHTTP}, types.Body{Text: "hello"})
	require.NoError(t, err)
	return m
}

// acknowledging returns a socket endpoint whose device confirms every
// message through the core.
func acknowledging(c *Core, name string) *endpoint {
	return &endpoint{
		kind: types.KindSocket,
		onSend: func(_ int, msg *types.Message, _ interfaces.Reporter) {
			_ = c.Acknowledge(context.Background(), name, msg.MID)
		},
	}
}

func TestScenario1_PersonalConfirmed(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, nil)
	_, err := c.Register(ctx, "alice", "", acknowledging(c, "alice"), types.ScopeSocket)
	require.NoError(t, err)

	m := message(t, types.SendTypePersonal, "alice")
	reply, err := c.Send(ctx, m, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, m.MID, reply.MID)
	assert.Equal(t, types.StatusMap{"alice": types.StatusOK}, reply.Status)
}

func TestScenario2_UnknownTargetIsImmediate(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, nil)

	start := time.Now()
	reply, err := c.Send(ctx, message(t, types.SendTypePersonal, "bob"), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, types.StatusMap{"bob": types.StatusNo}, reply.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScenario3_PartialGroupTimeout(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, nil)
	_, err := c.Register(ctx, "a", "team", acknowledging(c, "a"), types.ScopeSocket)
	require.NoError(t, err)
	_, err = c.Register(ctx, "b", "team", &endpoint{kind: types.KindSocket}, types.ScopeSocket)
	require.NoError(t, err)

	m := message(t, types.SendTypeGroup, "team")
	reply, err := c.Send(ctx, m, 200*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, types.StatusOK, reply.Status["a"])
	assert.False(t, reply.Status["b"].IsTerminal(), "b is still %s", reply.Status["b"])

	status, err := c.Status(ctx, m.MID)
	require.NoError(t, err)
	assert.NotEmpty(t, status, "the record stays open after the sender timed out")

	n, err := c.Unregister(ctx, registry.Target{Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err = c.Status(ctx, m.MID)
	require.NoError(t, err)
	assert.Empty(t, status, "unregistering b completes the record")
}

func TestScenario4_ReconnectResendsInOrder(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, nil)
	old := &endpoint{kind: types.KindSocket}
	_, err := c.Register(ctx, "alice", "", old, types.ScopeSocket)
	require.NoError(t, err)

	m1 := message(t, types.SendTypePersonal, "alice")
	m2 := message(t, types.SendTypePersonal, "alice")
	_, err = c.Send(ctx, m1, 0)
	require.NoError(t, err)
	_, err = c.Send(ctx, m2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.MID}, old.Sent())

	fresh := &endpoint{kind: types.KindSocket}
	_, err = c.Register(ctx, "alice", "", fresh, types.ScopeSocket)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.MID}, fresh.Sent())

	require.NoError(t, c.Acknowledge(ctx, "alice", m1.MID))
	assert.Equal(t, []string{m1.MID, m2.MID}, fresh.Sent())
	assert.Equal(t, []string{m1.MID}, old.Sent(), "the replaced socket is never used again")
}

func TestScenario5_WebhookRetry(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, nil)

	var (
		mu    sync.Mutex
		trace []types.Status
	)
	c.Bus().OnMessageClientStatus(func(s ebus.ClientStatus) {
		mu.Lock()
		trace = append(trace, s.Status)
		mu.Unlock()
	})

	hook := &endpoint{
		kind: types.KindWebhook,
		onSend: func(attempt int, msg *types.Message, r interfaces.Reporter) {
			// first call answers 500, second 200
			if attempt == 2 {
				r.Status(msg.MID, types.StatusOK)
				r.Confirm(msg.MID)
			}
		},
	}
	_, err := c.Register(ctx, "alice", "", hook, types.ScopeWebhook)
	require.NoError(t, err)

	m := message(t, types.SendTypePersonal, "alice")
	reply, err := c.Send(ctx, m, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, types.StatusMap{"alice": types.StatusOK}, reply.Status)
	assert.Len(t, hook.Sent(), 2)

	// the trace handler runs after the one that resolved the reply
	snapshot := func() []types.Status {
		mu.Lock()
		defer mu.Unlock()
		return append([]types.Status(nil), trace...)
	}
	assert.Eventually(t, func() bool { return len(snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.Status{types.StatusWait, types.StatusWait, types.StatusOK}, snapshot())
}

func TestGroupFanOutCount(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, nil)
	eps := map[string]*endpoint{}
	for _, name := range []string{"a", "b", "c"} {
		eps[name] = &endpoint{kind: types.KindSocket}
		_, err := c.Register(ctx, name, "team", eps[name], types.ScopeSocket)
		require.NoError(t, err)
	}
	_, err := c.Register(ctx, "d", "other", &endpoint{kind: types.KindSocket}, types.ScopeSocket)
	require.NoError(t, err)

	m := message(t, types.SendTypeGroup, "team")
	reply, err := c.Send(ctx, m, 0)
	require.NoError(t, err)

	assert.Len(t, reply.Status, 3)
	for name, ep := range eps {
		assert.Equal(t, []string{m.MID}, ep.Sent(), name)
	}
}

func TestSend_DuplicateMid(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, nil)
	_, err := c.Register(ctx, "alice", "", &endpoint{kind: types.KindSocket}, types.ScopeSocket)
	require.NoError(t, err)

	m := message(t, types.SendTypePersonal, "alice")
	_, err = c.Send(ctx, m, 0)
	require.NoError(t, err)

	_, err = c.Send(ctx, m, 0)
	assert.ErrorIs(t, err, ErrDuplicateMID)
}

func TestSend_CanceledWhileQueuedLeavesNoWaiter(t *testing.T) {
	c := newCore(t, nil)
	_, err := c.Register(context.Background(), "alice", "", &endpoint{kind: types.KindSocket}, types.ScopeSocket)
	require.NoError(t, err)

	// Hold the hub so the start task stays queued.
	release := make(chan struct{})
	require.NoError(t, c.hub.Submit(func() { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	m := message(t, types.SendTypePersonal, "alice")
	result := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, m, time.Second)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancel")
	}

	require.NoError(t, c.hub.Do(context.Background(), func() {
		assert.Empty(t, c.waiters)
		assert.False(t, c.tracker.Has(m.MID), "a canceled send must not start the message")
	}))
}

func TestSend_InvalidMessage(t *testing.T) {
	c := newCore(t, nil)
	_, err := c.Send(context.Background(), &types.Message{MID: "x", SendType: types.SendTypePersonal, Target: "alice"}, 0)
	assert.ErrorIs(t, err, types.ErrEmptyBody)
}

func TestRestartRedeliversToPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	first := New(store, Options{RetryTimeouts: map[types.Scope]time.Duration{types.ScopeSocket: time.Hour}}, nil)
	require.NoError(t, first.Start(ctx))
	_, err := first.Register(ctx, "alice", "", &endpoint{kind: types.KindSocket}, types.ScopeSocket)
	require.NoError(t, err)
	m := message(t, types.SendTypePersonal, "alice")
	_, err = first.Send(ctx, m, 0)
	require.NoError(t, err)
	require.NoError(t, first.Stop(ctx))

	second := newCore(t, store)
	require.NoError(t, second.Do(ctx, func(reg *registry.Registry, tr *tracker.Tracker) {
		if c := reg.GetClient("alice", types.ScopeSocket); assert.NotNil(t, c) {
			assert.True(t, c.IsPlaceholder())
			assert.Equal(t, 1, c.Len())
		}
		assert.True(t, tr.Has(m.MID))
	}))

	device := &endpoint{kind: types.KindSocket}
	_, err = second.Register(ctx, "alice", "", device, types.ScopeSocket)
	require.NoError(t, err)
	assert.Equal(t, []string{m.MID}, device.Sent())
}

func TestStartHooksRunBeforeRedelivery(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	first := New(store, Options{RetryTimeouts: map[types.Scope]time.Duration{types.ScopeWebhook: time.Hour}}, nil)
	require.NoError(t, first.Start(ctx))
	_, err := first.Register(ctx, "hook", "", &endpoint{kind: types.KindWebhook}, types.ScopeWebhook)
	require.NoError(t, err)
	m := message(t, types.SendTypePersonal, "hook")
	_, err = first.Send(ctx, m, 0)
	require.NoError(t, err)
	require.NoError(t, first.Stop(ctx))

	configured := &endpoint{kind: types.KindWebhook}
	second := New(store, Options{RetryTimeouts: map[types.Scope]time.Duration{types.ScopeWebhook: time.Hour}}, nil)
	second.OnStart(func(reg *registry.Registry) {
		_, err := reg.Register("hook", "", configured, types.ScopeWebhook)
		assert.NoError(t, err)
	})
	require.NoError(t, second.Start(ctx))
	defer func() { _ = second.Stop(ctx) }()

	assert.Equal(t, []string{m.MID}, configured.Sent())
}

func TestStatsAndHealth(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, storage.NewMemoryStore())
	_, err := c.Register(ctx, "alice", "team", &endpoint{kind: types.KindSocket}, types.ScopeSocket)
	require.NoError(t, err)
	_, err = c.Send(ctx, message(t, types.SendTypePersonal, "alice"), 0)
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["total_clients"])
	assert.Equal(t, 1, stats["open_records"])

	group, err := c.Group(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "team", group)

	_, err = c.Group(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotRegistered)

	assert.NoError(t, c.HealthCheck(ctx))
}
