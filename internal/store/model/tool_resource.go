package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ToolResourceStatusActive   = "active"
	ToolResourceStatusInactive = "inactive"
)

// ToolResource is one provisioned tool attached to an instance. The
// composite unique index on (instance_id, tool_id) is the race-breaker for
// concurrent provisioning of the same tool.
type ToolResource struct {
	ID           uuid.UUID      `gorm:"primaryKey;type:uuid"`
	InstanceID   string         `gorm:"column:instance_id;uniqueIndex:idx_instance_tool;not null"`
	ToolID       string         `gorm:"column:tool_id;uniqueIndex:idx_instance_tool;not null"`
	ResourceID   string         `gorm:"column:resource_id;not null"`
	ResourceMeta datatypes.JSON `gorm:"column:resource_meta"`
	EnvKey       string         `gorm:"column:env_key;not null"`
	EnvValue     string         `gorm:"column:env_value;not null"`
	Status       string         `gorm:"column:status;not null"`
	CreateTime   time.Time      `gorm:"column:create_time;autoCreateTime"`
}

type ToolResourceList []ToolResource
