package model

import "time"

// 白板成员角色
const (
	RoleOwner     = "owner"
	RoleEditor    = "editor"
	RoleCommenter = "commenter"
	RoleViewer    = "viewer"
)

// Whiteboard 白板目录记录，内容本身不在这里存储
type Whiteboard struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	WorkspaceID string    `json:"workspace_id" gorm:"type:varchar(64);not null;index"`
	TenantID    string    `json:"tenant_id" gorm:"type:varchar(64);index"`
	Title       string    `json:"title" gorm:"type:varchar(200)"`
	OwnerID     string    `json:"owner_id" gorm:"type:varchar(64);not null"`
	IsPublic    bool      `json:"is_public" gorm:"default:false"`
	Archived    bool      `json:"archived" gorm:"default:false"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName .
func (Whiteboard) TableName() string {
	return "whiteboards"
}

// WhiteboardMember 白板成员
type WhiteboardMember struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	WhiteboardID string    `json:"whiteboard_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_board_user"`
	UserID       string    `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_board_user"`
	Role         string    `json:"role" gorm:"type:varchar(20);default:'viewer'"` // owner, editor, commenter, viewer
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName .
func (WhiteboardMember) TableName() string {
	return "whiteboard_members"
}

// PermissionsForRole 角色映射为权限
func PermissionsForRole(role string) Permissions {
	switch role {
	case RoleOwner:
		return Permissions{CanEdit: true, CanComment: true, CanManage: true}
	case RoleEditor:
		return Permissions{CanEdit: true, CanComment: true}
	case RoleCommenter:
		return Permissions{CanComment: true}
	default:
		return Permissions{}
	}
}

// AccessRequest 加入白板时的目录校验请求
type AccessRequest struct {
	UserID       string
	TenantID     string
	WhiteboardID string
	WorkspaceID  string
}
