package store

import (
	"context"
	"errors"

	"github.com/convos-project/instance-orchestrator/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrToolResourceNotFound  = errors.New("tool resource not found")
	ErrDuplicateToolResource = errors.New("tool resource already provisioned for instance")
)

// ToolResourceFilter contains optional fields for filtering queries.
// nil fields are ignored (not filtered).
type ToolResourceFilter struct {
	ToolID *string
}

type ToolResource interface {
	Create(ctx context.Context, resource model.ToolResource) (*model.ToolResource, error)
	Get(ctx context.Context, instanceID, toolID string) (*model.ToolResource, error)
	ListByInstance(ctx context.Context, instanceID string) (model.ToolResourceList, error)
	ListActiveResourceIDs(ctx context.Context, filter *ToolResourceFilter) ([]string, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByResourceID(ctx context.Context, instanceID, toolID, resourceID string) error
}

type ToolResourceStore struct {
	db *gorm.DB
}

var _ ToolResource = (*ToolResourceStore)(nil)

func NewToolResource(db *gorm.DB) ToolResource {
	return &ToolResourceStore{db: db}
}

// Create inserts a tool resource row. A unique-index violation on
// (instance_id, tool_id) is reported as ErrDuplicateToolResource so callers
// can map the losing side of a concurrent provision to a conflict.
func (s *ToolResourceStore) Create(ctx context.Context, resource model.ToolResource) (*model.ToolResource, error) {
	if err := s.db.WithContext(ctx).Create(&resource).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateToolResource
		}
		return nil, err
	}
	return &resource, nil
}

func (s *ToolResourceStore) Get(ctx context.Context, instanceID, toolID string) (*model.ToolResource, error) {
	var resource model.ToolResource
	err := s.db.WithContext(ctx).
		Where(&model.ToolResource{InstanceID: instanceID, ToolID: toolID}).
		First(&resource).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrToolResourceNotFound
		}
		return nil, err
	}
	return &resource, nil
}

func (s *ToolResourceStore) ListByInstance(ctx context.Context, instanceID string) (model.ToolResourceList, error) {
	var resources model.ToolResourceList
	err := s.db.WithContext(ctx).
		Where(&model.ToolResource{InstanceID: instanceID}).
		Order("create_time ASC, id ASC").
		Find(&resources).Error
	if err != nil {
		return nil, err
	}
	return resources, nil
}

func (s *ToolResourceStore) ListActiveResourceIDs(ctx context.Context, filter *ToolResourceFilter) ([]string, error) {
	query := s.db.WithContext(ctx).Model(&model.ToolResource{}).
		Where(&model.ToolResource{Status: model.ToolResourceStatusActive})

	if filter != nil && filter.ToolID != nil {
		query = query.Where(&model.ToolResource{ToolID: *filter.ToolID})
	}

	var ids []string
	if err := query.Pluck("resource_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *ToolResourceStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&model.ToolResource{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrToolResourceNotFound
	}
	return nil
}

func (s *ToolResourceStore) DeleteByResourceID(ctx context.Context, instanceID, toolID, resourceID string) error {
	result := s.db.WithContext(ctx).
		Where(&model.ToolResource{InstanceID: instanceID, ToolID: toolID, ResourceID: resourceID}).
		Delete(&model.ToolResource{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrToolResourceNotFound
	}
	return nil
}
