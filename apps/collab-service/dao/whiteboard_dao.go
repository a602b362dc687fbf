package dao

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/database"
)

// whiteboardDAO .
type whiteboardDAO struct {
	db *database.PostgreSQL
}

// NewWhiteboardDAO 创建白板目录DAO
func NewWhiteboardDAO(db *database.PostgreSQL) WhiteboardDirectory {
	return &whiteboardDAO{db: db}
}

// Authorize 校验白板归属并按成员角色给出权限
func (d *whiteboardDAO) Authorize(ctx context.Context, req model.AccessRequest) (model.Permissions, error) {
	db := d.db.WithContext(ctx)

	var board model.Whiteboard
	if err := db.Where("id = ?", req.WhiteboardID).First(&board).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return resolveAccess(nil, "", req)
		}
		return model.Permissions{}, fmt.Errorf("failed to get whiteboard: %v", err)
	}

	var member model.WhiteboardMember
	role := ""
	err := db.Where("whiteboard_id = ? AND user_id = ?", req.WhiteboardID, req.UserID).First(&member).Error
	switch {
	case err == nil:
		role = member.Role
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return model.Permissions{}, fmt.Errorf("failed to get whiteboard member: %v", err)
	}

	return resolveAccess(&board, role, req)
}
