package dao

import (
	"context"
	"fmt"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/database"
)

// ActivityCollection 会话活动集合名
const ActivityCollection = "whiteboard_session_events"

// activityDAO .
type activityDAO struct {
	db *database.MongoDB
}

// NewActivityDAO 创建会话活动DAO
func NewActivityDAO(db *database.MongoDB) ActivityRecorder {
	return &activityDAO{db: db}
}

// Record 记录一次加入或离开
func (d *activityDAO) Record(ctx context.Context, activity model.SessionActivity) error {
	if _, err := d.db.GetCollection(ActivityCollection).InsertOne(ctx, activity); err != nil {
		return fmt.Errorf("failed to record session activity: %v", err)
	}
	return nil
}
