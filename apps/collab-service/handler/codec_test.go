package handler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard-collab/apps/collab-service/model"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantName string
		wantCode string
	}{
		{name: "join", frame: `{"event":"whiteboard:join","data":{"whiteboardId":"wb-1","workspaceId":"ws-1"}}`, wantName: model.EventJoin},
		{name: "heartbeat without data", frame: `{"event":"whiteboard:heartbeat"}`, wantName: model.EventHeartbeat},
		{name: "heartbeat with null data", frame: `{"event":"whiteboard:heartbeat","data":null}`, wantName: model.EventHeartbeat},
		{name: "not json", frame: `{"event":`, wantCode: model.CodeInvalidPayload},
		{name: "array frame", frame: `[1,2]`, wantCode: model.CodeInvalidPayload},
		{name: "missing event", frame: `{"data":{}}`, wantCode: model.CodeMissingField},
		{name: "numeric event", frame: `{"event":7}`, wantCode: model.CodeMissingField},
		{name: "unknown event", frame: `{"event":"whiteboard:dance","data":{}}`, wantCode: model.CodeUnknownEvent},
		{name: "data not object", frame: `{"event":"whiteboard:join","data":"wb-1"}`, wantCode: model.CodeInvalidPayload},
		{name: "wrong field type", frame: `{"event":"whiteboard:join","data":{"whiteboardId":5}}`, wantCode: model.CodeInvalidPayload},
		{name: "missing whiteboard", frame: `{"event":"whiteboard:join","data":{"workspaceId":"ws-1"}}`, wantCode: model.CodeMissingField},
		{name: "canvas without version", frame: `{"event":"whiteboard:canvas_change","data":{"operation":{"elementId":"e1","type":"create"}}}`, wantCode: model.CodeMissingField},
		{name: "cursor out of range", frame: `{"event":"whiteboard:cursor_move","data":{"position":{"x":1e9,"y":0}}}`, wantCode: model.CodeOutOfBounds},
		{name: "oversized frame", frame: `{"event":"whiteboard:leave","data":{"whiteboardId":"` + strings.Repeat("x", 2048) + `"}}`, wantCode: model.CodeOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame), 1024)
			if tt.wantCode != "" {
				require.Error(t, err)
				ce := model.AsCollabError(err)
				assert.Equal(t, model.KindInvalidInput, ce.Kind)
				assert.Equal(t, tt.wantCode, ce.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, ev.Name())
		})
	}
}

func TestDecodeCanvasChange(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"whiteboard:canvas_change","data":{"operation":{"elementId":"e1","elementType":"rect","type":"update","payload":{"x":10}},"clientVersion":3}}`), 0)
	require.NoError(t, err)
	cc, ok := ev.(model.CanvasChangeEvent)
	require.True(t, ok)
	assert.Equal(t, int64(3), *cc.ClientVersion)
	assert.Equal(t, "e1", cc.Operation.ElementID)
	assert.JSONEq(t, `{"x":10}`, string(cc.Operation.Payload))
}

func TestOperationFor(t *testing.T) {
	assert.Equal(t, model.OpCursorMove, OperationFor(model.CursorMoveEvent{}))
	assert.Equal(t, model.OpSelection, OperationFor(model.SelectionChangedEvent{}))
	assert.Equal(t, model.OpSyncResponse, OperationFor(model.SyncResponseEvent{}))
	assert.Empty(t, OperationFor(model.LeaveEvent{}))
	assert.Empty(t, OperationFor(model.RefreshTokenEvent{}))

	assert.True(t, requiresFreshAuth(model.JoinEvent{}))
	assert.True(t, requiresFreshAuth(model.SyncResponseEvent{}))
	assert.False(t, requiresFreshAuth(model.CursorMoveEvent{}))
}
