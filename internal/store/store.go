package store

import (
	"fmt"

	"github.com/convos-project/instance-orchestrator/internal/config"
	"github.com/convos-project/instance-orchestrator/internal/store/model"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Store interface {
	Close() error
	Instance() Instance
	ToolResource() ToolResource
}

type DataStore struct {
	db           *gorm.DB
	instance     Instance
	toolResource ToolResource
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:           db,
		instance:     NewInstance(db),
		toolResource: NewToolResource(db),
	}
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *DataStore) Instance() Instance {
	return s.instance
}

func (s *DataStore) ToolResource() ToolResource {
	return s.toolResource
}

// InitDB opens the configured database and runs the idempotent migration.
// AutoMigrate only creates tables and indexes that do not already exist.
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Type {
	case "pgsql":
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
			cfg.Database.Hostname, cfg.Database.Port, cfg.Database.User,
			cfg.Database.Password, cfg.Database.Name)
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(cfg.Database.Name)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&model.Instance{}, &model.ToolResource{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}
