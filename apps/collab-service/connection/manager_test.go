package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"whiteboard-collab/apps/collab-service/connection/conntest"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/auth"
	"whiteboard-collab/pkg/logger"
)

func newTestManager(cfg Config) (*Manager, *testingclock.FakeClock) {
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewManager(cfg, clk, logger.NewNop()), clk
}

func user(id string) *auth.Identity {
	return &auth.Identity{UserID: id}
}

func TestAdmissionCaps(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		admit  [][2]string // user, addr
		next   [2]string
		reason string
	}{
		{
			name:   "global",
			cfg:    Config{MaxGlobal: 2, MaxPerUser: 10, MaxPerIP: 10},
			admit:  [][2]string{{"u1", "1.1.1.1"}, {"u2", "2.2.2.2"}},
			next:   [2]string{"u3", "3.3.3.3"},
			reason: model.AdmitGlobalLimit,
		},
		{
			name:   "per user",
			cfg:    Config{MaxGlobal: 10, MaxPerUser: 2, MaxPerIP: 10},
			admit:  [][2]string{{"u1", "1.1.1.1"}, {"u1", "2.2.2.2"}},
			next:   [2]string{"u1", "3.3.3.3"},
			reason: model.AdmitUserLimit,
		},
		{
			name:   "per address",
			cfg:    Config{MaxGlobal: 10, MaxPerUser: 10, MaxPerIP: 2},
			admit:  [][2]string{{"u1", "1.1.1.1"}, {"u2", "1.1.1.1"}},
			next:   [2]string{"u3", "1.1.1.1"},
			reason: model.AdmitIPLimit,
		},
		{
			name:   "global checked before user",
			cfg:    Config{MaxGlobal: 2, MaxPerUser: 2, MaxPerIP: 10},
			admit:  [][2]string{{"u1", "1.1.1.1"}, {"u1", "2.2.2.2"}},
			next:   [2]string{"u1", "3.3.3.3"},
			reason: model.AdmitGlobalLimit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(tt.cfg)
			var first string
			for i, a := range tt.admit {
				res := m.Register(conntest.New(a[1]), "", user(a[0]))
				require.True(t, res.Allowed, "admission %d", i)
				require.NotEmpty(t, res.ConnectionID)
				if first == "" {
					first = res.ConnectionID
				}
			}

			res := m.Register(conntest.New(tt.next[1]), "", user(tt.next[0]))
			assert.False(t, res.Allowed)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, len(tt.admit), m.Count())

			require.True(t, m.Unregister(first, model.ReasonClientLeave))
			res = m.Register(conntest.New(tt.next[1]), "", user(tt.next[0]))
			assert.True(t, res.Allowed, "slot freed after unregister")
		})
	}
}

func TestAnonymousSkipsUserCap(t *testing.T) {
	m, _ := newTestManager(Config{MaxGlobal: 10, MaxPerUser: 1, MaxPerIP: 10})
	assert.True(t, m.Register(conntest.New("a"), "", nil).Allowed)
	assert.True(t, m.Register(conntest.New("b"), "", nil).Allowed)
	assert.Equal(t, 0, m.Stats().Users)
	assert.Equal(t, 2, m.Stats().Addresses)
}

func TestUnregisterIsIdempotentAndBestEffort(t *testing.T) {
	m, clk := newTestManager(Config{})
	tr := conntest.New("1.1.1.1")
	res := m.Register(tr, "s1", user("u1"))
	require.True(t, res.Allowed)
	conn := res.Connection

	var order []string
	conn.OnCleanup("first", func() error { order = append(order, "first"); return errors.New("boom") })
	conn.OnCleanup("second", func() error { panic("bad callback") })
	conn.OnCleanup("third", func() error { order = append(order, "third"); return nil })

	var fired atomic.Bool
	conn.AfterFunc(time.Minute, func() { fired.Store(true) })
	detached := 0
	conn.AddListener("room", func() { detached++ })

	assert.True(t, m.Unregister(conn.ID, model.ReasonClientLeave))
	assert.False(t, m.Unregister(conn.ID, model.ReasonClientLeave))

	assert.Equal(t, []string{"first", "third"}, order)
	assert.Equal(t, 1, detached)
	closed, reason := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, model.ReasonClientLeave, reason)
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.ByUser("u1"))

	clk.Step(2 * time.Minute)
	assert.False(t, fired.Load(), "timer cancelled by unregister")
	assert.Error(t, conn.Send("x", nil))
}

func TestTrackedTimersRunOnClockUntilUnregister(t *testing.T) {
	m, clk := newTestManager(Config{})
	conn := m.Register(conntest.New("1.1.1.1"), "", user("u1")).Connection

	var fired, ticks atomic.Int32
	conn.AfterFunc(time.Minute, func() { fired.Add(1) })
	conn.Every(10*time.Second, func() { ticks.Add(1) })

	clk.Step(10 * time.Second)
	require.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, time.Millisecond)
	clk.Step(time.Minute)
	assert.Equal(t, int32(1), fired.Load())
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)

	require.True(t, m.Unregister(conn.ID, model.ReasonClientLeave))
	require.Eventually(t, func() bool { return !clk.HasWaiters() }, time.Second, time.Millisecond,
		"ticker and timers are released on unregister")
}

func TestConcurrentUnregisterRunsOnce(t *testing.T) {
	m, _ := newTestManager(Config{})
	res := m.Register(conntest.New("1.1.1.1"), "", user("u1"))
	var calls atomic.Int32
	res.Connection.OnCleanup("count", func() error { calls.Add(1); return nil })

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Unregister(res.ConnectionID, model.ReasonTransportClosed) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), wins.Load())
}

func TestSweepExpired(t *testing.T) {
	m, clk := newTestManager(Config{MaxAge: time.Hour, IdleTimeout: 10 * time.Minute, MaxErrors: 3})

	old := conntest.New("a")
	oldConn := m.Register(old, "", user("old")).Connection
	clk.Step(50 * time.Minute)

	idle := conntest.New("b")
	m.Register(idle, "", user("idle"))
	noisy := conntest.New("c")
	noisyConn := m.Register(noisy, "", user("noisy")).Connection
	for i := 0; i < 3; i++ {
		noisyConn.RecordError()
	}
	clk.Step(5 * time.Minute)
	oldConn.Touch(10)

	// old: age 55m, active; idle: idle 5m; noisy: errors
	assert.Equal(t, 1, m.SweepExpired())
	_, reason := noisy.Closed()
	assert.Equal(t, model.ReasonErrorThreshold, reason)

	clk.Step(6 * time.Minute)
	oldConn.Touch(10)
	// old: age 61m; idle: idle 11m
	assert.Equal(t, 2, m.SweepExpired())
	_, reason = old.Closed()
	assert.Equal(t, model.ReasonMaxAge, reason)
	_, reason = idle.Closed()
	assert.Equal(t, model.ReasonIdleTimeout, reason)
	assert.Equal(t, 0, m.Count())
}

func TestSweepHeartbeats(t *testing.T) {
	m, clk := newTestManager(Config{HeartbeatTimeout: time.Minute})

	dead := conntest.New("a")
	m.Register(dead, "", user("dead"))
	broken := conntest.New("b")
	brokenConn := m.Register(broken, "", user("broken")).Connection
	healthy := conntest.New("c")
	healthyConn := m.Register(healthy, "", user("healthy")).Connection

	clk.Step(90 * time.Second)
	brokenConn.MarkHeartbeat()
	healthyConn.MarkHeartbeat()
	broken.FailPing(errors.New("write: broken pipe"))

	assert.Equal(t, 2, m.SweepHeartbeats())
	_, reason := dead.Closed()
	assert.Equal(t, model.ReasonHeartbeatDead, reason)
	_, reason = broken.Closed()
	assert.Equal(t, model.ReasonHeartbeatError, reason)
	closed, _ := healthy.Closed()
	assert.False(t, closed)
}

func TestPongsDoNotKeepIdleConnectionAlive(t *testing.T) {
	m, clk := newTestManager(Config{IdleTimeout: 30 * time.Minute, HeartbeatTimeout: time.Minute})
	tr := conntest.New("a")
	conn := m.Register(tr, "", user("u1")).Connection

	for elapsed := time.Duration(0); elapsed < 31*time.Minute; elapsed += 20 * time.Second {
		clk.Step(20 * time.Second)
		conn.MarkHeartbeat()
	}

	assert.Equal(t, 0, m.SweepHeartbeats())
	assert.Equal(t, 1, m.SweepExpired())
	_, reason := tr.Closed()
	assert.Equal(t, model.ReasonIdleTimeout, reason)
}

func TestGracefulShutdownVoluntary(t *testing.T) {
	m, _ := newTestManager(Config{ShutdownGrace: time.Minute})
	tr := conntest.New("a")
	id := m.Register(tr, "", user("u1")).ConnectionID

	done := make(chan int)
	go func() { done <- m.GracefulShutdown(context.Background()) }()

	require.Eventually(t, func() bool { return tr.Count(model.EventServerShutdown) == 1 }, time.Second, time.Millisecond)
	m.Unregister(id, model.ReasonClientLeave)

	select {
	case forced := <-done:
		assert.Equal(t, 0, forced)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not finish")
	}
	_, reason := tr.Closed()
	assert.Equal(t, model.ReasonClientLeave, reason)
}

func TestGracefulShutdownForcesStragglers(t *testing.T) {
	m, clk := newTestManager(Config{ShutdownGrace: 10 * time.Second})
	tr := conntest.New("a")
	m.Register(tr, "", user("u1"))

	done := make(chan int)
	go func() { done <- m.GracefulShutdown(context.Background()) }()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	assert.Equal(t, model.AdmitShutdown, m.Register(conntest.New("b"), "", user("u2")).Reason)
	clk.Step(10 * time.Second)

	select {
	case forced := <-done:
		assert.Equal(t, 1, forced)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not finish")
	}
	_, reason := tr.Closed()
	assert.Equal(t, model.ReasonForceShutdown, reason)
	assert.True(t, m.Stats().ShuttingDown)
}

func TestSetIdentityKeepsUser(t *testing.T) {
	m, _ := newTestManager(Config{})
	conn := m.Register(conntest.New("a"), "", user("u1")).Connection
	require.NoError(t, conn.SetIdentity(&auth.Identity{UserID: "u1", Name: "Alice"}))
	assert.Equal(t, "Alice", conn.Identity().Name)
	assert.Error(t, conn.SetIdentity(&auth.Identity{UserID: "u2"}))
}
