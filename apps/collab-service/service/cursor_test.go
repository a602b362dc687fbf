package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard-collab/apps/collab-service/dao"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/logger"
)

func TestCursorDegradesWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	store := dao.NewMemoryCursorStore()
	svc := NewCursorService(store, time.Minute, h.clk, logger.NewNop())
	ctx := context.Background()

	out := svc.Update(ctx, "u1", "wb-1", model.Position{X: 1, Y: 2}, CursorMeta{UserName: "Ada", Color: "#fff"})
	require.False(t, out.Degraded)
	assert.NoError(t, out.Err)

	store.Fail(errors.New("redis down"))
	out = svc.Update(ctx, "u1", "wb-1", model.Position{X: 3, Y: 4}, CursorMeta{})
	require.True(t, out.Degraded)
	assert.Equal(t, model.KindServiceDegraded, model.KindOf(out.Err))
	assert.Equal(t, "Ada", out.Value.UserName, "falls back to the last known name")
	assert.Equal(t, "#fff", out.Value.Color)
	assert.Equal(t, float64(3), out.Value.Position.X)

	list := svc.List(ctx, "wb-1")
	assert.True(t, list.Degraded)
	require.Len(t, list.Value, 1)

	assert.Error(t, svc.Remove(ctx, "u1", "wb-1", "test"))
	assert.Zero(t, svc.LocalCount(), "local state is removed even when the store fails")
}
