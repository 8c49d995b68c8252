package model

import "time"

// Instance is one compute-backed agent instance. The primary key is the
// externally assigned instance id, not a surrogate.
type Instance struct {
	InstanceID            string  `gorm:"column:instance_id;primaryKey"`
	Provider              string  `gorm:"column:provider;not null"`
	ProviderServiceID     string  `gorm:"column:provider_service_id;uniqueIndex;not null"`
	ProviderEnvironmentID string  `gorm:"column:provider_environment_id"`
	ProviderProjectID     string  `gorm:"column:provider_project_id"`
	URL                   *string `gorm:"column:url"`
	DeployStatus          *string `gorm:"column:deploy_status"`
	RuntimeImage          string  `gorm:"column:runtime_image"`

	// Secrets generated at creation, opaque to the orchestrator.
	GatewayToken  string `gorm:"column:gateway_token"`
	SetupPassword string `gorm:"column:setup_password"`
	WalletKey     string `gorm:"column:wallet_key"`

	CreateTime time.Time `gorm:"column:create_time;autoCreateTime"`
	UpdateTime time.Time `gorm:"column:update_time;autoUpdateTime"`

	ToolResources []ToolResource `gorm:"foreignKey:InstanceID;constraint:OnDelete:CASCADE"`
}

type InstanceList []Instance
