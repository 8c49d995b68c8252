package store

import (
	"context"
	"errors"

	"github.com/convos-project/instance-orchestrator/internal/store/model"
	"gorm.io/gorm"
)

var (
	ErrInstanceNotFound      = errors.New("instance not found")
	ErrInstanceAlreadyExists = errors.New("instance already exists")
)

type Instance interface {
	List(ctx context.Context) (model.InstanceList, error)
	ListIDs(ctx context.Context) ([]string, error)
	Create(ctx context.Context, instance model.Instance) (*model.Instance, error)
	Get(ctx context.Context, instanceID string) (*model.Instance, error)
	ExistsByID(ctx context.Context, instanceID string) (bool, error)
	UpdateDeployStatus(ctx context.Context, instanceID string, deployStatus string) error
	Delete(ctx context.Context, instanceID string) error
}

type InstanceStore struct {
	db *gorm.DB
}

var _ Instance = (*InstanceStore)(nil)

func NewInstance(db *gorm.DB) Instance {
	return &InstanceStore{db: db}
}

func (s *InstanceStore) List(ctx context.Context) (model.InstanceList, error) {
	var instances model.InstanceList
	query := s.db.WithContext(ctx).Preload("ToolResources")

	// Consistent ordering for callers that page externally.
	query = query.Order("create_time ASC, instance_id ASC")

	if err := query.Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *InstanceStore) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Instance{}).Pluck("instance_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *InstanceStore) Create(ctx context.Context, instance model.Instance) (*model.Instance, error) {
	if err := s.db.WithContext(ctx).Create(&instance).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrInstanceAlreadyExists
		}
		return nil, err
	}
	return &instance, nil
}

func (s *InstanceStore) Get(ctx context.Context, instanceID string) (*model.Instance, error) {
	var instance model.Instance
	err := s.db.WithContext(ctx).Preload("ToolResources").
		Where(&model.Instance{InstanceID: instanceID}).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return &instance, nil
}

func (s *InstanceStore) ExistsByID(ctx context.Context, instanceID string) (bool, error) {
	var instance model.Instance
	err := s.db.WithContext(ctx).Select("instance_id").
		Where(&model.Instance{InstanceID: instanceID}).Take(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *InstanceStore) UpdateDeployStatus(ctx context.Context, instanceID string, deployStatus string) error {
	result := s.db.WithContext(ctx).Model(&model.Instance{}).
		Where(&model.Instance{InstanceID: instanceID}).
		Update("deploy_status", deployStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *InstanceStore) Delete(ctx context.Context, instanceID string) error {
	result := s.db.WithContext(ctx).Select("ToolResources").
		Delete(&model.Instance{InstanceID: instanceID})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}
