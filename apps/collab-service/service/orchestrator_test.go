package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard-collab/apps/collab-service/model"
	tracecontext "whiteboard-collab/pkg/context"
)

func TestJoinEditRebaseScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, ta := h.connect(t, "alice")
	bob, tb := h.connect(t, "bob")

	res := h.join(t, alice, "wb-1")
	assert.Equal(t, int64(1), res.CanvasVersion)
	assert.True(t, res.Session.Permissions.CanEdit)
	started, ok := ta.Last(model.EventSessionStarted)
	require.True(t, ok)
	assert.Equal(t, res.Session.SessionID, decode[model.SessionStarted](t, started).SessionID)

	h.join(t, bob, "wb-1")
	joined, ok := ta.Last(model.EventUserJoined)
	require.True(t, ok)
	assert.Equal(t, "bob", decode[model.UserJoined](t, joined).UserID)
	assert.Zero(t, tb.Count(model.EventUserJoined))

	first, err := h.orch.CanvasChange(ctx, alice, model.CanvasChangeEvent{
		Operation:     &model.OperationInput{ElementID: "rect-1", Type: model.OpCreate},
		ClientVersion: version(1),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.NewVersion)
	assert.False(t, first.Rebased)

	second, err := h.orch.CanvasChange(ctx, bob, model.CanvasChangeEvent{
		Operation:     &model.OperationInput{ElementID: "rect-1", Type: model.OpMove},
		ClientVersion: version(1),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), second.NewVersion)
	assert.True(t, second.Rebased)

	ack, ok := tb.Last(model.EventCanvasAck)
	require.True(t, ok)
	got := decode[model.CanvasAck](t, ack)
	assert.True(t, got.Success)
	assert.True(t, got.Rebased)
	assert.Equal(t, int64(3), got.NewVersion)

	assert.Equal(t, 1, ta.Count(model.EventCanvasChange))
	assert.Equal(t, 1, tb.Count(model.EventCanvasChange))
}

func TestRejoinSameWhiteboard(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, "alice")
	first := h.join(t, conn, "wb-1")
	again := h.join(t, conn, "wb-1")

	assert.True(t, again.Rejoined)
	assert.Equal(t, first.Session.SessionID, again.Session.SessionID)
	rec, ok := h.presence.Get("alice", "wb-1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Connections)
}

func TestSwitchingWhiteboardCleansPrevious(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, "alice")
	h.join(t, conn, "wb-1")
	h.join(t, conn, "wb-2")

	_, ok := h.presence.Get("alice", "wb-1")
	assert.False(t, ok)
	assert.Equal(t, []string{model.ChannelGroup("wb-2"), model.PresenceGroup("wb-2")}, h.router.Groups(conn.ID))
	sess, ok := h.orch.Session(conn.ID)
	require.True(t, ok)
	assert.Equal(t, "wb-2", sess.WhiteboardID)
}

func TestJoinRequiresIdentityAndAccess(t *testing.T) {
	h := newHarness(t)
	h.directory.AddBoard(model.Whiteboard{ID: "private", WorkspaceID: "ws-1", OwnerID: "owner"})
	h.directory.AddBoard(model.Whiteboard{ID: "public", WorkspaceID: "ws-1", OwnerID: "owner", IsPublic: true})

	anon := h.conns.Register(h.newTransport(), "", nil)
	require.True(t, anon.Allowed)
	_, err := h.orch.Join(context.Background(), anon.Connection, model.JoinEvent{WhiteboardID: "public", WorkspaceID: "ws-1"})
	assert.Equal(t, model.KindAuthFailure, model.KindOf(err))

	conn, _ := h.connect(t, "stranger")
	_, err = h.orch.Join(context.Background(), conn, model.JoinEvent{WhiteboardID: "private", WorkspaceID: "ws-1"})
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, ok := h.orch.Session(conn.ID)
	assert.False(t, ok)

	res := h.join(t, conn, "public")
	assert.False(t, res.Session.Permissions.CanEdit)
	_, err = h.orch.CanvasChange(context.Background(), conn, model.CanvasChangeEvent{
		Operation:     &model.OperationInput{ElementID: "e", Type: model.OpCreate},
		ClientVersion: version(1),
	})
	assert.ErrorIs(t, err, model.ErrReadOnly)
}

func TestEventsWithoutSessionAreRejected(t *testing.T) {
	h := newHarness(t)
	conn, tr := h.connect(t, "alice")
	_, err := h.orch.CursorMove(context.Background(), conn, model.CursorMoveEvent{Position: &model.Position{}})
	assert.ErrorIs(t, err, model.ErrNoActiveSession)

	require.NoError(t, h.orch.Heartbeat(context.Background(), conn))
	assert.Equal(t, 1, tr.Count(model.EventHeartbeatAck))
}

func TestConcurrentCleanupRunsOnce(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.connect(t, "alice")
	bob, tb := h.connect(t, "bob")
	h.join(t, alice, "wb-1")
	h.join(t, bob, "wb-1")
	_, err := h.orch.SelectionChanged(context.Background(), alice, model.SelectionChangedEvent{ElementIDs: []string{"el-1"}})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []model.CleanupReport
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := h.orch.Cleanup(context.Background(), alice.ID, "wb-1", model.ReasonClientLeave)
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	executed := 0
	for _, r := range reports {
		if !r.Skipped {
			executed++
			require.Len(t, r.Steps, 6)
			assert.Empty(t, r.Failed())
		}
	}
	assert.GreaterOrEqual(t, executed, 1)
	assert.Equal(t, 1, tb.Count(model.EventUserLeft), "departure is broadcast once")

	_, ok := h.orch.Session(alice.ID)
	assert.False(t, ok)
	_, held := h.selections.ElementOwnership("wb-1", "el-1")
	assert.False(t, held)
	_, present := h.presence.Get("alice", "wb-1")
	assert.False(t, present)

	r := h.orch.Cleanup(context.Background(), alice.ID, "wb-1", model.ReasonClientLeave)
	assert.True(t, r.Skipped)
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.connect(t, "alice")
	h.join(t, alice, "wb-1")
	h.cursors.Fail(errors.New("redis down"))

	r := h.orch.Cleanup(context.Background(), alice.ID, "wb-1", model.ReasonClientLeave)
	require.Len(t, r.Steps, 6)
	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "cursor", failed[0].Name)
	assert.False(t, failed[0].Critical)
	assert.NoError(t, cleanupError(r))

	_, ok := h.orch.Session(alice.ID)
	assert.False(t, ok)
}

func TestUnregisterRunsSessionCleanup(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.connect(t, "alice")
	bob, tb := h.connect(t, "bob")
	h.join(t, alice, "wb-1")
	h.join(t, bob, "wb-1")

	require.True(t, h.conns.Unregister(alice.ID, model.ReasonHeartbeatDead))

	left, ok := tb.Last(model.EventUserLeft)
	require.True(t, ok)
	assert.Equal(t, model.ReasonHeartbeatDead, decode[model.UserLeft](t, left).Reason)
	assert.Equal(t, 1, h.router.Members(model.ChannelGroup("wb-1")))
}

func TestLeaveValidatesWhiteboard(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, "alice")
	assert.ErrorIs(t, h.orch.Leave(context.Background(), conn, model.LeaveEvent{WhiteboardID: "wb-1"}), model.ErrNoActiveSession)

	h.join(t, conn, "wb-1")
	err := h.orch.Leave(context.Background(), conn, model.LeaveEvent{WhiteboardID: "wb-2"})
	assert.Equal(t, model.CodeWrongWhiteboard, model.AsCollabError(err).Code)
	require.NoError(t, h.orch.Leave(context.Background(), conn, model.LeaveEvent{WhiteboardID: "wb-1"}))
}

func TestSelectionConflictsNotifyClaimants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, ta := h.connect(t, "alice")
	bob, tb := h.connect(t, "bob")
	carol, tc := h.connect(t, "carol")
	for _, c := range []string{alice.ID, bob.ID, carol.ID} {
		conn, _ := h.conns.Get(c)
		h.join(t, conn, "wb-1")
	}

	_, err := h.orch.SelectionChanged(ctx, alice, model.SelectionChangedEvent{ElementIDs: []string{"el-1"}})
	require.NoError(t, err)
	res, err := h.orch.SelectionChanged(ctx, bob, model.SelectionChangedEvent{ElementIDs: []string{"el-1"}})
	require.NoError(t, err)
	require.False(t, res.Success)

	assert.Equal(t, 1, ta.Count(model.EventSelectionConflicts))
	assert.Equal(t, 1, tb.Count(model.EventSelectionConflicts))
	assert.Zero(t, tc.Count(model.EventSelectionConflicts))

	_, err = h.orch.ResolveConflict(ctx, bob, model.ResolveConflictEvent{ConflictID: res.Conflicts[0].ID, Resolution: model.ResolveShared})
	require.NoError(t, err)
	for _, tr := range []interface{ Count(string) int }{ta, tb, tc} {
		assert.Equal(t, 1, tr.Count(model.EventConflictResolved))
	}
}

func TestSyncHandshakeRelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, ta := h.connect(t, "alice")
	h.join(t, alice, "wb-1")

	_, err := h.orch.RequestSync(ctx, alice)
	assert.Equal(t, model.CodeSyncTargetNotFound, model.AsCollabError(err).Code)

	bob, tb := h.connect(t, "bob")
	carol, _ := h.connect(t, "carol")
	h.join(t, bob, "wb-1")
	h.join(t, carol, "wb-1")

	req, err := h.orch.RequestSync(ctx, alice)
	require.NoError(t, err)
	requested, ok := tb.Last(model.EventSyncRequested)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, decode[model.SyncRequested](t, requested).RequestID)

	delivered, err := h.orch.SyncResponse(ctx, bob, model.SyncResponseEvent{RequestID: req.RequestID, Snapshot: []byte(`{"elements":[]}`), Version: 1})
	require.NoError(t, err)
	assert.True(t, delivered)

	delivered, err = h.orch.SyncResponse(ctx, carol, model.SyncResponseEvent{RequestID: req.RequestID, Snapshot: []byte(`{}`), Version: 1})
	require.NoError(t, err)
	assert.False(t, delivered)

	assert.Equal(t, 1, ta.Count(model.EventSyncResponse))
	f, _ := ta.Last(model.EventSyncResponse)
	assert.Equal(t, "bob", decode[model.SyncDelivered](t, f).ResponderID)
}

func TestSweepCleansInactiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idle, ti := h.connect(t, "idle")
	busy, _ := h.connect(t, "busy")
	h.join(t, idle, "wb-1")
	h.join(t, busy, "wb-1")

	h.clk.Step(6 * time.Minute)
	require.NoError(t, h.orch.Heartbeat(ctx, busy))
	h.clk.Step(5 * time.Minute)

	h.orch.Sweep(ctx)

	_, ok := h.orch.Session(idle.ID)
	assert.False(t, ok)
	_, ok = h.orch.Session(busy.ID)
	assert.True(t, ok)
	errFrame, ok := ti.Last(model.EventError)
	require.True(t, ok)
	assert.Equal(t, model.CodeNoSession, decode[model.ErrorPayload](t, errFrame).Code)

	stats := h.orch.Stats()
	assert.Equal(t, 1, stats.PresenceRecords)
}

func TestSweepKeepsPresenceOfLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, _ := h.connect(t, "alice")
	bob, tb := h.connect(t, "bob")
	h.join(t, alice, "wb-1")
	h.join(t, bob, "wb-1")

	for i := 0; i < 7; i++ {
		h.clk.Step(5 * time.Minute)
		_, err := h.orch.CanvasChange(ctx, alice, model.CanvasChangeEvent{
			Operation:     &model.OperationInput{ElementID: "rect-1", Type: model.OpMove},
			ClientVersion: version(1),
		})
		require.NoError(t, err)
		require.NoError(t, h.orch.Heartbeat(ctx, bob))
		h.orch.Sweep(ctx)
	}

	_, ok := h.orch.Session(alice.ID)
	require.True(t, ok)
	assert.Zero(t, tb.Count(model.EventUserLeft))
	assert.Equal(t, 2, h.orch.Stats().PresenceRecords)

	require.NoError(t, h.orch.Heartbeat(ctx, alice))
	rec, err := h.orch.Presence(ctx, alice, model.PresenceEvent{Status: model.StatusBusy})
	require.NoError(t, err)
	assert.Equal(t, model.StatusBusy, rec.Status)
}

func TestPresenceRestoredForLiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, _ := h.connect(t, "alice")
	res := h.join(t, alice, "wb-1")
	require.True(t, h.presence.Leave("alice", "wb-1", res.Session.SessionID))

	require.NoError(t, h.orch.Heartbeat(ctx, alice))
	rec, ok := h.presence.Get("alice", "wb-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusOnline, rec.Status)

	require.True(t, h.presence.Leave("alice", "wb-1", res.Session.SessionID))
	_, err := h.orch.Presence(ctx, alice, model.PresenceEvent{Status: model.StatusAway})
	require.NoError(t, err)
}

func TestUnregisterDuringJoinLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bob, _ := h.connect(t, "bob")
	h.join(t, bob, "wb-1")
	alice, _ := h.connect(t, "alice")

	h.authHook.beforeReturn = func() {
		h.authHook.beforeReturn = nil
		require.True(t, h.conns.Unregister(alice.ID, model.ReasonTransportClosed))
	}
	_, err := h.orch.Join(ctx, alice, model.JoinEvent{WhiteboardID: "wb-1", WorkspaceID: "ws-1"})
	assert.Equal(t, model.KindNoActiveSession, model.KindOf(err))

	_, ok := h.orch.Session(alice.ID)
	assert.False(t, ok)
	_, ok = h.presence.Get("alice", "wb-1")
	assert.False(t, ok)
	assert.Equal(t, 1, h.router.Members(model.ChannelGroup("wb-1")))
	assert.Equal(t, 1, h.router.Members(model.PresenceGroup("wb-1")))
	assert.Equal(t, 1, h.orch.Stats().PresenceRecords)
}

func TestSecondTabKeepsCursorWhenFirstLeaves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tab1, _ := h.connect(t, "alice")
	tab2, _ := h.connect(t, "alice")
	bob, tb := h.connect(t, "bob")
	h.join(t, tab1, "wb-1")
	h.join(t, tab2, "wb-1")
	h.join(t, bob, "wb-1")

	_, err := h.orch.CursorMove(ctx, tab2, model.CursorMoveEvent{Position: &model.Position{X: 10, Y: 20}})
	require.NoError(t, err)

	require.NoError(t, h.orch.Leave(ctx, tab1, model.LeaveEvent{WhiteboardID: "wb-1"}))
	assert.Zero(t, tb.Count(model.EventCursorRemoved))
	assert.Zero(t, tb.Count(model.EventUserLeft))
	cursors := h.orch.deps.Cursors.List(ctx, "wb-1")
	require.Len(t, cursors.Value, 1)
	assert.Equal(t, "alice", cursors.Value[0].UserID)

	require.True(t, h.conns.Unregister(tab2.ID, model.ReasonClientLeave))
	assert.Equal(t, 1, tb.Count(model.EventCursorRemoved))
	assert.Equal(t, 1, tb.Count(model.EventUserLeft))
	assert.Empty(t, h.orch.deps.Cursors.List(ctx, "wb-1").Value)
}

func TestSessionContextCarriesIdentifiers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, _ := h.connect(t, "alice")
	assert.Equal(t, ctx, h.orch.SessionContext(ctx, alice.ID))

	res := h.join(t, alice, "wb-1")
	sctx := h.orch.SessionContext(ctx, alice.ID)
	assert.Equal(t, alice.ID, tracecontext.GetConnectionID(sctx))
	assert.Equal(t, "alice", tracecontext.GetUserID(sctx))
	assert.Equal(t, "wb-1", tracecontext.GetWhiteboardID(sctx))
	assert.Equal(t, res.Session.SessionID, tracecontext.GetSessionID(sctx))
}
