package handler

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"whiteboard-collab/apps/collab-service/model"
)

type decodeFunc func(data []byte) (model.Event, error)

var decoders = map[string]decodeFunc{
	model.EventJoin:             decodeAs[model.JoinEvent],
	model.EventLeave:            decodeAs[model.LeaveEvent],
	model.EventCanvasChange:     decodeAs[model.CanvasChangeEvent],
	model.EventPresence:         decodeAs[model.PresenceEvent],
	model.EventHeartbeat:        decodeAs[model.HeartbeatEvent],
	model.EventCursorMove:       decodeAs[model.CursorMoveEvent],
	model.EventSelectionChanged: decodeAs[model.SelectionChangedEvent],
	model.EventResolveConflict:  decodeAs[model.ResolveConflictEvent],
	model.EventRequestSync:      decodeAs[model.RequestSyncEvent],
	model.EventSyncResponse:     decodeAs[model.SyncResponseEvent],
	model.EventRefreshToken:     decodeAs[model.RefreshTokenEvent],
}

func decodeAs[T model.Event](data []byte) (model.Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, model.InvalidInput(model.CodeInvalidPayload, "malformed data: %v", err)
	}
	return ev, nil
}

// Decode 解析上行帧并校验。事件名先用 gjson 取出，未知事件不做完整反序列化
func Decode(frame []byte, maxBytes int64) (model.Event, error) {
	if maxBytes > 0 && int64(len(frame)) > maxBytes {
		return nil, model.InvalidInput(model.CodeOutOfBounds, "frame exceeds %d bytes", maxBytes)
	}
	if !gjson.ValidBytes(frame) {
		return nil, model.InvalidInput(model.CodeInvalidPayload, "frame is not valid JSON")
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, model.InvalidInput(model.CodeInvalidPayload, "frame must be an object")
	}

	name := root.Get("event")
	if name.Type != gjson.String || name.Str == "" {
		return nil, model.InvalidInput(model.CodeMissingField, "event is required")
	}
	decode, ok := decoders[name.Str]
	if !ok {
		return nil, model.InvalidInput(model.CodeUnknownEvent, "unknown event %q", name.Str)
	}

	data := []byte("{}")
	if d := root.Get("data"); d.Exists() && d.Type != gjson.Null {
		if !d.IsObject() {
			return nil, model.InvalidInput(model.CodeInvalidPayload, "data must be an object")
		}
		data = []byte(d.Raw)
	}

	ev, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// OperationFor 事件对应的限流操作名，空串表示不限流
func OperationFor(ev model.Event) string {
	switch ev.(type) {
	case model.JoinEvent:
		return model.OpJoin
	case model.CanvasChangeEvent:
		return model.OpCanvasChange
	case model.PresenceEvent:
		return model.OpPresence
	case model.HeartbeatEvent:
		return model.OpHeartbeat
	case model.CursorMoveEvent:
		return model.OpCursorMove
	case model.SelectionChangedEvent:
		return model.OpSelection
	case model.ResolveConflictEvent:
		return model.OpResolveConflict
	case model.RequestSyncEvent:
		return model.OpRequestSync
	case model.SyncResponseEvent:
		return model.OpSyncResponse
	default:
		return ""
	}
}

// requiresFreshAuth 会话延续类操作需要二次校验令牌新鲜度
func requiresFreshAuth(ev model.Event) bool {
	switch ev.(type) {
	case model.JoinEvent, model.CanvasChangeEvent, model.ResolveConflictEvent, model.SyncResponseEvent:
		return true
	default:
		return false
	}
}
