package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/convos-project/instance-orchestrator/internal/providers"
	"github.com/convos-project/instance-orchestrator/internal/registry"
	"github.com/convos-project/instance-orchestrator/internal/store"
	"github.com/convos-project/instance-orchestrator/internal/store/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	computeProvider = "railway"
	volumeMountPath = "/data"

	serviceDeleteAttempts = 3
	serviceDeleteBackoff  = 2 * time.Second
)

// ComputeClient is the compute platform surface the orchestrator needs.
type ComputeClient interface {
	CreateService(ctx context.Context, name, image string, env map[string]string) (string, error)
	DeleteService(ctx context.Context, serviceID string) error
	UpsertVariables(ctx context.Context, serviceID string, env map[string]string) error
	CreateVolume(ctx context.Context, serviceID, mountPath string) (string, error)
	ListVolumes(ctx context.Context, serviceID string) ([]string, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	CreateServiceDomain(ctx context.Context, serviceID string) (string, error)
	Redeploy(ctx context.Context, serviceID string) error
	ListServices(ctx context.Context) ([]providers.ServiceStatus, error)
	ProjectID() string
	EnvironmentID() string
}

// ToolClient provisions and releases one kind of tool resource.
type ToolClient interface {
	Provision(ctx context.Context, instanceID string, cfg map[string]any) (*providers.ToolGrant, error)
	Release(ctx context.Context, resourceID string) error
}

// HealthProber reports whether an instance's public endpoint is ready.
type HealthProber interface {
	Ready(ctx context.Context, url string) bool
}

// Orchestrator runs the instance lifecycle: create, destroy, redeploy and
// per-tool provisioning. Tool clients are only present for providers whose
// credentials are configured; a missing entry means the tool is silently
// skipped at create time and rejected for explicit provisioning.
type Orchestrator struct {
	store        store.Store
	compute      ComputeClient
	tools        map[string]ToolClient
	prober       HealthProber
	logger       *zap.Logger
	runtimeImage string
	stuckTimeout time.Duration

	// sleep is swapped out by tests to observe the destroy retry backoff.
	sleep func(time.Duration)
}

func NewOrchestrator(dataStore store.Store, compute ComputeClient, tools map[string]ToolClient, prober HealthProber, logger *zap.Logger, runtimeImage string, stuckTimeout time.Duration) *Orchestrator {
	if tools == nil {
		tools = map[string]ToolClient{}
	}
	return &Orchestrator{
		store:        dataStore,
		compute:      compute,
		tools:        tools,
		prober:       prober,
		logger:       logger,
		runtimeImage: runtimeImage,
		stuckTimeout: stuckTimeout,
		sleep:        time.Sleep,
	}
}

type CreateInstanceRequest struct {
	InstanceID string
	Name       string
	Tools      []string
}

type ToolResourceRef struct {
	ResourceID string `json:"resourceId"`
}

type CreateInstanceResult struct {
	InstanceID string                     `json:"instanceId"`
	ServiceID  string                     `json:"serviceId"`
	URL        *string                    `json:"url"`
	Services   map[string]ToolResourceRef `json:"services"`
}

type provisionedTool struct {
	toolID string
	grant  *providers.ToolGrant
}

// CreateInstance provisions the requested tools sequentially, creates the
// compute service with the assembled environment and persists the result.
// On tool or compute failure the tool resources already created in this
// request are best-effort released before the error returns; anything that
// survives the release is picked up by the reconciler.
func (o *Orchestrator) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error) {
	if req.InstanceID == "" || req.Name == "" {
		return nil, NewValidationError("instanceId and name are required")
	}
	for _, toolID := range req.Tools {
		if !registry.IsKnown(toolID) {
			return nil, NewValidationError(fmt.Sprintf("unknown tool '%s'", toolID))
		}
	}

	exists, err := o.store.Instance().ExistsByID(ctx, req.InstanceID)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to check instance existence: %v", err))
	}
	if exists {
		return nil, NewConflictError(fmt.Sprintf("instance '%s' already exists", req.InstanceID))
	}

	secrets, err := newInstanceSecrets()
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to generate secrets: %v", err))
	}

	var provisioned []provisionedTool
	for _, toolID := range req.Tools {
		client, ok := o.tools[toolID]
		if !ok {
			o.logger.Info("skipping tool without configured credential",
				zap.String("instanceId", req.InstanceID), zap.String("tool", toolID))
			continue
		}

		grant, err := client.Provision(ctx, req.InstanceID, nil)
		if err != nil {
			o.releaseProvisioned(ctx, req.InstanceID, provisioned)
			return nil, NewProviderError(fmt.Sprintf("failed to provision tool '%s': %v", toolID, err))
		}
		o.logger.Info("provisioned tool resource",
			zap.String("instanceId", req.InstanceID),
			zap.String("tool", toolID),
			zap.String("resourceId", grant.ResourceID))
		provisioned = append(provisioned, provisionedTool{toolID: toolID, grant: grant})
	}

	env := map[string]string{
		"INSTANCE_ID":    req.InstanceID,
		"GATEWAY_TOKEN":  secrets.GatewayToken,
		"SETUP_PASSWORD": secrets.SetupPassword,
		"WALLET_KEY":     secrets.WalletKey,
	}
	for _, p := range provisioned {
		env[p.grant.EnvKey] = p.grant.EnvValue
	}

	serviceID, err := o.compute.CreateService(ctx, req.Name, o.runtimeImage, env)
	if err != nil {
		o.releaseProvisioned(ctx, req.InstanceID, provisioned)
		return nil, NewProviderError(fmt.Sprintf("failed to create compute service: %v", err))
	}
	o.logger.Info("created compute service",
		zap.String("instanceId", req.InstanceID), zap.String("serviceId", serviceID))

	// Volume and domain are best-effort: the instance runs without them.
	if _, err := o.compute.CreateVolume(ctx, serviceID, volumeMountPath); err != nil {
		o.logger.Warn("failed to attach volume",
			zap.String("instanceId", req.InstanceID), zap.Error(err))
	}
	var url *string
	if domain, err := o.compute.CreateServiceDomain(ctx, serviceID); err != nil {
		o.logger.Warn("failed to attach domain",
			zap.String("instanceId", req.InstanceID), zap.Error(err))
	} else {
		url = &domain
	}

	instance := model.Instance{
		InstanceID:            req.InstanceID,
		Provider:              computeProvider,
		ProviderServiceID:     serviceID,
		ProviderEnvironmentID: o.compute.EnvironmentID(),
		ProviderProjectID:     o.compute.ProjectID(),
		URL:                   url,
		RuntimeImage:          o.runtimeImage,
		GatewayToken:          secrets.GatewayToken,
		SetupPassword:         secrets.SetupPassword,
		WalletKey:             secrets.WalletKey,
	}
	if _, err := o.store.Instance().Create(ctx, instance); err != nil {
		if errors.Is(err, store.ErrInstanceAlreadyExists) {
			return nil, NewConflictError(fmt.Sprintf("instance '%s' already exists", req.InstanceID))
		}
		return nil, NewInternalError(fmt.Sprintf("failed to persist instance %s: %v", req.InstanceID, err))
	}

	services := map[string]ToolResourceRef{}
	for _, p := range provisioned {
		row := model.ToolResource{
			ID:           uuid.New(),
			InstanceID:   req.InstanceID,
			ToolID:       p.toolID,
			ResourceID:   p.grant.ResourceID,
			ResourceMeta: marshalMeta(p.grant.Meta),
			EnvKey:       p.grant.EnvKey,
			EnvValue:     p.grant.EnvValue,
			Status:       model.ToolResourceStatusActive,
		}
		if _, err := o.store.ToolResource().Create(ctx, row); err != nil {
			o.logger.Error("failed to persist tool resource",
				zap.String("instanceId", req.InstanceID),
				zap.String("tool", p.toolID), zap.Error(err))
			continue
		}
		services[p.toolID] = ToolResourceRef{ResourceID: p.grant.ResourceID}
	}

	return &CreateInstanceResult{
		InstanceID: req.InstanceID,
		ServiceID:  serviceID,
		URL:        url,
		Services:   services,
	}, nil
}

// releaseProvisioned is the compensation boundary for a failed create: every
// tool resource created earlier in the same request is released best-effort.
func (o *Orchestrator) releaseProvisioned(ctx context.Context, instanceID string, provisioned []provisionedTool) {
	for _, p := range provisioned {
		client, ok := o.tools[p.toolID]
		if !ok {
			continue
		}
		if err := client.Release(ctx, p.grant.ResourceID); err != nil {
			o.logger.Error("failed to release tool resource after create failure, leaving for reconciler",
				zap.String("instanceId", instanceID),
				zap.String("tool", p.toolID),
				zap.String("resourceId", p.grant.ResourceID),
				zap.Error(err))
			continue
		}
		o.logger.Info("released tool resource after create failure",
			zap.String("instanceId", instanceID),
			zap.String("tool", p.toolID),
			zap.String("resourceId", p.grant.ResourceID))
	}
}

type ProvisionToolResult struct {
	ToolID     string `json:"toolId"`
	ResourceID string `json:"resourceId"`
	EnvKey     string `json:"envKey"`
	Status     string `json:"status"`
}

// ProvisionTool attaches one tool to an existing instance. The store's
// (instance_id, tool_id) uniqueness constraint is the race-breaker: the
// pre-check only exists to fail fast, and a duplicate insert maps to the
// same conflict it would have produced.
func (o *Orchestrator) ProvisionTool(ctx context.Context, instanceID, toolID string, cfg map[string]any) (*ProvisionToolResult, error) {
	instance, err := o.store.Instance().Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrInstanceNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("instance '%s' not found", instanceID))
		}
		return nil, NewInternalError(fmt.Sprintf("failed to retrieve instance: %v", err))
	}

	if !registry.IsKnown(toolID) {
		return nil, NewValidationError(fmt.Sprintf("unknown tool '%s'", toolID))
	}
	client, ok := o.tools[toolID]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("no credential configured for tool '%s'", toolID))
	}

	if _, err := o.store.ToolResource().Get(ctx, instanceID, toolID); err == nil {
		return nil, NewConflictError(fmt.Sprintf("tool '%s' already provisioned for instance '%s'", toolID, instanceID))
	} else if !errors.Is(err, store.ErrToolResourceNotFound) {
		return nil, NewInternalError(fmt.Sprintf("failed to check tool resource: %v", err))
	}

	grant, err := client.Provision(ctx, instanceID, cfg)
	if err != nil {
		return nil, NewProviderError(fmt.Sprintf("failed to provision tool '%s': %v", toolID, err))
	}

	// Push the env var into the running service; it takes effect on the next
	// restart or redeploy.
	if err := o.compute.UpsertVariables(ctx, instance.ProviderServiceID, map[string]string{grant.EnvKey: grant.EnvValue}); err != nil {
		o.releaseProvisioned(ctx, instanceID, []provisionedTool{{toolID: toolID, grant: grant}})
		return nil, NewProviderError(fmt.Sprintf("failed to inject env var for tool '%s': %v", toolID, err))
	}

	row := model.ToolResource{
		ID:           uuid.New(),
		InstanceID:   instanceID,
		ToolID:       toolID,
		ResourceID:   grant.ResourceID,
		ResourceMeta: marshalMeta(grant.Meta),
		EnvKey:       grant.EnvKey,
		EnvValue:     grant.EnvValue,
		Status:       model.ToolResourceStatusActive,
	}
	if _, err := o.store.ToolResource().Create(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicateToolResource) {
			// Lost the race: another request inserted first. Release the
			// resource this call created and report the same conflict the
			// pre-check would have.
			o.releaseProvisioned(ctx, instanceID, []provisionedTool{{toolID: toolID, grant: grant}})
			return nil, NewConflictError(fmt.Sprintf("tool '%s' already provisioned for instance '%s'", toolID, instanceID))
		}
		return nil, NewInternalError(fmt.Sprintf("failed to persist tool resource: %v", err))
	}

	o.logger.Info("provisioned tool resource",
		zap.String("instanceId", instanceID),
		zap.String("tool", toolID),
		zap.String("resourceId", grant.ResourceID))

	return &ProvisionToolResult{
		ToolID:     toolID,
		ResourceID: grant.ResourceID,
		EnvKey:     grant.EnvKey,
		Status:     model.ToolResourceStatusActive,
	}, nil
}

type DestroyResult struct {
	InstanceID string          `json:"instanceId"`
	Destroyed  map[string]bool `json:"destroyed"`
}

// Destroy tears down every external resource of an instance best-effort,
// then removes the database rows regardless of individual outcomes. The
// per-kind boolean map tells the caller exactly what survived.
func (o *Orchestrator) Destroy(ctx context.Context, instanceID string) (*DestroyResult, error) {
	instance, err := o.store.Instance().Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrInstanceNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("instance '%s' not found", instanceID))
		}
		return nil, NewInternalError(fmt.Sprintf("failed to retrieve instance: %v", err))
	}

	destroyed := map[string]bool{}

	for _, row := range instance.ToolResources {
		client, ok := o.tools[row.ToolID]
		if !ok {
			o.logger.Warn("no credential configured to release tool resource",
				zap.String("instanceId", instanceID), zap.String("tool", row.ToolID))
			destroyed[row.ToolID] = false
			continue
		}
		if err := client.Release(ctx, row.ResourceID); err != nil {
			o.logger.Error("failed to release tool resource",
				zap.String("instanceId", instanceID),
				zap.String("tool", row.ToolID),
				zap.String("resourceId", row.ResourceID),
				zap.Error(err))
			destroyed[row.ToolID] = false
			continue
		}
		destroyed[row.ToolID] = true
	}

	destroyed["volumes"] = o.destroyVolumes(ctx, instanceID, instance.ProviderServiceID)
	destroyed["service"] = o.destroyService(ctx, instanceID, instance.ProviderServiceID)

	// Row deletion happens after every external attempt, whatever their
	// outcome; survivors are the reconciler's problem.
	if err := o.store.Instance().Delete(ctx, instanceID); err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to delete instance record: %v", err))
	}

	return &DestroyResult{InstanceID: instanceID, Destroyed: destroyed}, nil
}

func (o *Orchestrator) destroyVolumes(ctx context.Context, instanceID, serviceID string) bool {
	volumeIDs, err := o.compute.ListVolumes(ctx, serviceID)
	if err != nil {
		o.logger.Error("failed to list volumes",
			zap.String("instanceId", instanceID), zap.Error(err))
		return false
	}

	ok := true
	for _, volumeID := range volumeIDs {
		if err := o.compute.DeleteVolume(ctx, volumeID); err != nil && !providers.IsNotFound(err) {
			o.logger.Error("failed to delete volume",
				zap.String("instanceId", instanceID),
				zap.String("volumeId", volumeID), zap.Error(err))
			ok = false
		}
	}
	return ok
}

// destroyService deletes the compute service with up to 3 attempts and
// linearly increasing backoff (2s, 4s, 6s).
func (o *Orchestrator) destroyService(ctx context.Context, instanceID, serviceID string) bool {
	for attempt := 1; attempt <= serviceDeleteAttempts; attempt++ {
		err := o.compute.DeleteService(ctx, serviceID)
		if err == nil || providers.IsNotFound(err) {
			return true
		}
		o.logger.Warn("failed to delete compute service",
			zap.String("instanceId", instanceID),
			zap.String("serviceId", serviceID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < serviceDeleteAttempts {
			o.sleep(time.Duration(attempt) * serviceDeleteBackoff)
		}
	}
	return false
}

type DestroyToolResult struct {
	ToolID     string `json:"toolId"`
	ResourceID string `json:"resourceId"`
	Deleted    bool   `json:"deleted"`
}

// DestroyToolResource removes a single tool resource from an instance. The
// provider delete is best-effort and reflected in the Deleted flag; the row
// is removed either way.
func (o *Orchestrator) DestroyToolResource(ctx context.Context, instanceID, toolID, resourceID string) (*DestroyToolResult, error) {
	exists, err := o.store.Instance().ExistsByID(ctx, instanceID)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to check instance existence: %v", err))
	}
	if !exists {
		return nil, NewNotFoundError(fmt.Sprintf("instance '%s' not found", instanceID))
	}

	deleted := false
	if client, ok := o.tools[toolID]; ok {
		if err := client.Release(ctx, resourceID); err != nil {
			o.logger.Error("failed to release tool resource",
				zap.String("instanceId", instanceID),
				zap.String("tool", toolID),
				zap.String("resourceId", resourceID),
				zap.Error(err))
		} else {
			deleted = true
		}
	}

	if err := o.store.ToolResource().DeleteByResourceID(ctx, instanceID, toolID, resourceID); err != nil {
		if errors.Is(err, store.ErrToolResourceNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("tool resource '%s' not found for instance '%s'", resourceID, instanceID))
		}
		return nil, NewInternalError(fmt.Sprintf("failed to delete tool resource record: %v", err))
	}

	return &DestroyToolResult{ToolID: toolID, ResourceID: resourceID, Deleted: deleted}, nil
}

// Redeploy asks the compute provider to redeploy the instance's latest
// build. No store state changes.
func (o *Orchestrator) Redeploy(ctx context.Context, instanceID string) error {
	instance, err := o.store.Instance().Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrInstanceNotFound) {
			return NewNotFoundError(fmt.Sprintf("instance '%s' not found", instanceID))
		}
		return NewInternalError(fmt.Sprintf("failed to retrieve instance: %v", err))
	}

	if err := o.compute.Redeploy(ctx, instance.ProviderServiceID); err != nil {
		return NewProviderError(fmt.Sprintf("failed to redeploy instance '%s': %v", instanceID, err))
	}
	return nil
}

// ProvisionLocal provisions the requested tools without persisting anything
// and returns the combined env map. Dev convenience: the resources follow
// the managed naming convention, so a later reconciler run sweeps them.
func (o *Orchestrator) ProvisionLocal(ctx context.Context, toolIDs []string) (map[string]string, error) {
	for _, toolID := range toolIDs {
		if !registry.IsKnown(toolID) {
			return nil, NewValidationError(fmt.Sprintf("unknown tool '%s'", toolID))
		}
	}

	localID := "local-" + uuid.NewString()[:8]
	env := map[string]string{}
	for _, toolID := range toolIDs {
		client, ok := o.tools[toolID]
		if !ok {
			continue
		}
		grant, err := client.Provision(ctx, localID, nil)
		if err != nil {
			return nil, NewProviderError(fmt.Sprintf("failed to provision tool '%s': %v", toolID, err))
		}
		env[grant.EnvKey] = grant.EnvValue
	}
	return env, nil
}

type InstanceStatus struct {
	InstanceID     string   `json:"instanceId"`
	ServiceID      string   `json:"serviceId"`
	Name           string   `json:"name"`
	DeployStatus   string   `json:"deployStatus"`
	Domain         string   `json:"domain"`
	Image          string   `json:"image"`
	EnvironmentIDs []string `json:"environmentIds"`
}

// StatusBatch reports live compute state for the given instances (all
// tracked instances when the filter is empty). Observed deploy statuses are
// written back to the store opportunistically.
func (o *Orchestrator) StatusBatch(ctx context.Context, instanceIDs []string) ([]InstanceStatus, error) {
	instances, err := o.store.Instance().List(ctx)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to list instances: %v", err))
	}

	var wanted map[string]bool
	if len(instanceIDs) > 0 {
		wanted = make(map[string]bool, len(instanceIDs))
		for _, id := range instanceIDs {
			wanted[id] = true
		}
	}

	live, err := o.compute.ListServices(ctx)
	if err != nil {
		return nil, NewProviderError(fmt.Sprintf("failed to list compute services: %v", err))
	}
	byServiceID := make(map[string]providers.ServiceStatus, len(live))
	for _, s := range live {
		byServiceID[s.ServiceID] = s
	}

	var statuses []InstanceStatus
	for _, instance := range instances {
		if wanted != nil && !wanted[instance.InstanceID] {
			continue
		}
		status, ok := byServiceID[instance.ProviderServiceID]
		if !ok {
			continue
		}
		statuses = append(statuses, InstanceStatus{
			InstanceID:     instance.InstanceID,
			ServiceID:      status.ServiceID,
			Name:           status.Name,
			DeployStatus:   status.DeployStatus,
			Domain:         status.Domain,
			Image:          status.Image,
			EnvironmentIDs: status.EnvironmentIDs,
		})
		if status.DeployStatus != "" {
			if err := o.store.Instance().UpdateDeployStatus(ctx, instance.InstanceID, status.DeployStatus); err != nil {
				o.logger.Warn("failed to record deploy status",
					zap.String("instanceId", instance.InstanceID), zap.Error(err))
			}
		}
	}
	return statuses, nil
}

type InstanceSummary struct {
	InstanceID   string   `json:"instanceId"`
	ServiceID    string   `json:"serviceId"`
	URL          *string  `json:"url"`
	DeployStatus *string  `json:"deployStatus"`
	Status       Status   `json:"status"`
	Tools        []string `json:"tools"`
}

// ListInstances returns every tracked instance with its derived lifecycle
// status. Claims live outside the orchestrator, so the caller supplies the
// set of claimed instance ids.
func (o *Orchestrator) ListInstances(ctx context.Context, claimed map[string]bool) ([]InstanceSummary, error) {
	instances, err := o.store.Instance().List(ctx)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to list instances: %v", err))
	}

	now := time.Now()
	summaries := make([]InstanceSummary, 0, len(instances))
	for _, instance := range instances {
		var healthReady *bool
		if o.prober != nil && instance.URL != nil {
			ready := o.prober.Ready(ctx, *instance.URL)
			healthReady = &ready
		}
		createdAt := instance.CreateTime
		status := DeriveStatus(instance.DeployStatus, healthReady, &createdAt,
			claimed[instance.InstanceID], now, o.stuckTimeout)

		tools := make([]string, 0, len(instance.ToolResources))
		for _, row := range instance.ToolResources {
			tools = append(tools, row.ToolID)
		}

		summaries = append(summaries, InstanceSummary{
			InstanceID:   instance.InstanceID,
			ServiceID:    instance.ProviderServiceID,
			URL:          instance.URL,
			DeployStatus: instance.DeployStatus,
			Status:       status,
			Tools:        tools,
		})
	}
	return summaries, nil
}

func marshalMeta(meta map[string]string) datatypes.JSON {
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
