package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"whiteboard-collab/apps/collab-service/connection"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/telemetry"
)

// CanvasChange 应用画布操作，广播给房间其他成员并回执给发送方
func (o *Orchestrator) CanvasChange(ctx context.Context, conn *connection.ManagedConnection, ev model.CanvasChangeEvent) (res model.ApplyResult, err error) {
	sess, err := o.activeSession(conn.ID)
	if err != nil {
		return model.ApplyResult{}, err
	}
	if !sess.Permissions.CanEdit {
		return model.ApplyResult{}, model.ErrReadOnly
	}

	ctx, span := telemetry.StartSpan(ctx, "canvas.apply",
		attribute.String("whiteboard.id", sess.WhiteboardID),
		attribute.Int64("client.version", *ev.ClientVersion))
	defer func() { telemetry.EndSpan(span, err) }()

	res, err = o.deps.Canvas.Apply(ctx, model.CanvasOperation{
		WhiteboardID: sess.WhiteboardID,
		UserID:       sess.UserID,
		ElementID:    ev.Operation.ElementID,
		ElementType:  ev.Operation.ElementType,
		Type:         ev.Operation.Type,
		Payload:      ev.Operation.Payload,
	}, *ev.ClientVersion)
	if err != nil {
		return model.ApplyResult{}, err
	}
	span.SetAttributes(attribute.Int64("canvas.version", res.NewVersion), attribute.Bool("canvas.rebased", res.Rebased))

	o.deps.Router.Broadcast(ctx, model.ChannelGroup(sess.WhiteboardID), model.EventCanvasChange, res.Operation, conn.ID)
	if err := conn.Send(model.EventCanvasAck, model.CanvasAck{
		OperationID: res.Operation.ID,
		NewVersion:  res.NewVersion,
		Success:     true,
		Rebased:     res.Rebased,
	}); err != nil {
		o.log.Debug(ctx, "Failed to ack canvas change", logger.F("connection_id", conn.ID), logger.F("error", err))
	}
	return res, nil
}

// Presence 更新在线状态和活动描述
func (o *Orchestrator) Presence(ctx context.Context, conn *connection.ManagedConnection, ev model.PresenceEvent) (model.PresenceRecord, error) {
	sess, err := o.activeSession(conn.ID)
	if err != nil {
		return model.PresenceRecord{}, err
	}
	o.ensurePresence(ctx, sess)
	rec, err := o.deps.Presence.UpdateActivity(sess.UserID, sess.WhiteboardID, ActivityUpdate{
		Cursor:    ev.Cursor,
		Viewport:  ev.Viewport,
		Selection: ev.Selection,
	})
	if err != nil {
		return model.PresenceRecord{}, err
	}
	if ev.Status != "" {
		if rec, err = o.deps.Presence.UpdateStatus(sess.UserID, sess.WhiteboardID, ev.Status); err != nil {
			return model.PresenceRecord{}, err
		}
	}
	o.deps.Router.Broadcast(ctx, model.PresenceGroup(sess.WhiteboardID), model.EventPresenceUpdated, rec, conn.ID)
	return rec, nil
}

// Heartbeat 刷新连接与在线状态心跳。没有会话时只回执
func (o *Orchestrator) Heartbeat(ctx context.Context, conn *connection.ManagedConnection) error {
	conn.MarkHeartbeat()
	if sess, err := o.activeSession(conn.ID); err == nil {
		o.ensurePresence(ctx, sess)
		if _, err := o.deps.Presence.Heartbeat(sess.UserID, sess.WhiteboardID); err != nil {
			o.log.Debug(ctx, "Presence heartbeat without record",
				logger.F("user_id", sess.UserID), logger.F("whiteboard_id", sess.WhiteboardID))
		}
	}
	return conn.Send(model.EventHeartbeatAck, model.HeartbeatAck{ServerTime: o.clk.Now().UnixMilli()})
}

// ensurePresence 会话仍在但在线记录已被移除时按会话补回
func (o *Orchestrator) ensurePresence(ctx context.Context, sess model.WhiteboardSession) {
	if _, ok := o.deps.Presence.Get(sess.UserID, sess.WhiteboardID); ok {
		return
	}
	o.deps.Presence.Join(sess.UserID, sess.WhiteboardID, sess.SessionID, UserInfo{Name: sess.UserName, Email: sess.Email})
	o.log.Info(ctx, "Presence restored from session",
		logger.F("user_id", sess.UserID), logger.F("whiteboard_id", sess.WhiteboardID))
}

// CursorMove 更新光标并广播。存储不可用时仍然广播降级状态
func (o *Orchestrator) CursorMove(ctx context.Context, conn *connection.ManagedConnection, ev model.CursorMoveEvent) (Outcome[model.CursorState], error) {
	sess, err := o.activeSession(conn.ID)
	if err != nil {
		return Outcome[model.CursorState]{}, err
	}
	out := o.deps.Cursors.Update(ctx, sess.UserID, sess.WhiteboardID, *ev.Position, CursorMeta{
		UserName:  sess.UserName,
		Color:     sess.Color,
		SessionID: sess.SessionID,
	})
	o.deps.Router.Broadcast(ctx, model.ChannelGroup(sess.WhiteboardID), model.EventCursorUpdated, model.CursorUpdated{
		Cursor:   out.Value,
		Degraded: out.Degraded,
	}, conn.ID)
	return out, nil
}

// SelectionChanged 更新选区。冲突单独通知给所有争用方
func (o *Orchestrator) SelectionChanged(ctx context.Context, conn *connection.ManagedConnection, ev model.SelectionChangedEvent) (model.SelectionResult, error) {
	sess, err := o.activeSession(conn.ID)
	if err != nil {
		return model.SelectionResult{}, err
	}
	res, err := o.deps.Selections.UpdateSelection(SelectionRequest{
		UserID:        sess.UserID,
		UserName:      sess.UserName,
		Color:         sess.Color,
		WhiteboardID:  sess.WhiteboardID,
		SessionID:     sess.SessionID,
		ElementIDs:    ev.ElementIDs,
		Bounds:        ev.Bounds,
		IsMultiSelect: ev.IsMultiSelect,
	})
	if err != nil {
		return model.SelectionResult{}, err
	}
	if _, err := o.deps.Presence.UpdateActivity(sess.UserID, sess.WhiteboardID, ActivityUpdate{Selection: res.Selection.ElementIDs}); err != nil {
		o.log.Debug(ctx, "Presence selection not updated", logger.F("user_id", sess.UserID), logger.F("error", err))
	}

	group := model.ChannelGroup(sess.WhiteboardID)
	o.deps.Router.Broadcast(ctx, group, model.EventSelectionUpdated, model.SelectionUpdated{
		UserID:        sess.UserID,
		UserName:      sess.UserName,
		Color:         sess.Color,
		ElementIDs:    res.Selection.ElementIDs,
		Bounds:        res.Selection.Bounds,
		IsMultiSelect: res.Selection.IsMultiSelect,
	}, conn.ID)

	if len(res.Conflicts) > 0 {
		o.deps.Router.BroadcastTo(ctx, group, model.EventSelectionConflicts, model.SelectionConflicts{Conflicts: res.Conflicts},
			func(c *connection.ManagedConnection) bool {
				userID := c.UserID()
				for i := range res.Conflicts {
					if res.Conflicts[i].HasClaimant(userID) {
						return true
					}
				}
				return false
			})
	}
	return res, nil
}

// ResolveConflict 解决选区冲突并通知整个房间
func (o *Orchestrator) ResolveConflict(ctx context.Context, conn *connection.ManagedConnection, ev model.ResolveConflictEvent) (ResolveOutcome, error) {
	sess, err := o.activeSession(conn.ID)
	if err != nil {
		return ResolveOutcome{}, err
	}
	out, err := o.deps.Selections.ResolveConflict(sess.WhiteboardID, ev.ConflictID, sess.UserID, ev.Resolution)
	if err != nil {
		return ResolveOutcome{}, err
	}
	o.deps.Router.Broadcast(ctx, model.ChannelGroup(sess.WhiteboardID), model.EventConflictResolved, model.ConflictResolved{
		Conflict:  out.Conflict,
		Ownership: out.Ownership,
	}, "")
	return out, nil
}

// RequestSync 向房间其他成员请求画布快照
func (o *Orchestrator) RequestSync(ctx context.Context, conn *connection.ManagedConnection) (SyncRequest, error) {
	sess, err := o.activeSession(conn.ID)
	if err != nil {
		return SyncRequest{}, err
	}
	group := model.ChannelGroup(sess.WhiteboardID)
	if o.deps.Router.Members(group) < 2 {
		return SyncRequest{}, model.NewError(model.KindServiceDegraded, model.CodeSyncTargetNotFound, "no peers available to sync from")
	}

	req := o.deps.Canvas.RequestSync(sess.WhiteboardID, sess.UserID, conn.ID)
	sent := o.deps.Router.Broadcast(ctx, group, model.EventSyncRequested, model.SyncRequested{
		RequestID:             req.RequestID,
		RequesterID:           req.RequesterID,
		RequesterConnectionID: conn.ID,
		CurrentVersion:        o.deps.Canvas.Version(sess.WhiteboardID),
	}, conn.ID)
	if sent == 0 {
		o.deps.Canvas.CompleteSync(req.RequestID, sess.WhiteboardID)
		return SyncRequest{}, model.NewError(model.KindServiceDegraded, model.CodeSyncTargetNotFound, "no peers available to sync from")
	}
	return req, nil
}

// SyncResponse 把快照转发给请求方，只有第一个应答生效。返回是否转发
func (o *Orchestrator) SyncResponse(ctx context.Context, conn *connection.ManagedConnection, ev model.SyncResponseEvent) (bool, error) {
	sess, err := o.activeSession(conn.ID)
	if err != nil {
		return false, err
	}
	req, ok := o.deps.Canvas.CompleteSync(ev.RequestID, sess.WhiteboardID)
	if !ok {
		o.log.Debug(ctx, "Sync response ignored",
			logger.F("request_id", ev.RequestID), logger.F("connection_id", conn.ID))
		return false, nil
	}
	delivered, err := o.deps.Router.SendTo(model.ChannelGroup(sess.WhiteboardID), req.RequesterConnection, model.EventSyncResponse, model.SyncDelivered{
		RequestID:   req.RequestID,
		ResponderID: sess.UserID,
		Snapshot:    ev.Snapshot,
		Version:     ev.Version,
	})
	if err != nil {
		return false, err
	}
	return delivered, nil
}
