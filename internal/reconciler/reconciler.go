// Package reconciler finds and removes provider-side resources that no
// longer belong to a live instance. It never deletes anything without an
// explicit plan-then-execute handoff: Plan computes the orphan set, the
// operator confirms, Execute deletes best-effort per item.
package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/convos-project/instance-orchestrator/internal/providers"
	"github.com/convos-project/instance-orchestrator/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResourceClient is the provider surface the reconciler needs: a paginated
// listing of managed resources and a delete primitive.
type ResourceClient interface {
	ListManaged(ctx context.Context) ([]providers.ManagedResource, error)
	Release(ctx context.Context, resourceID string) error
}

// ServiceLister supplies the compute provider's view of live services, used
// as a second "still alive" signal alongside the store.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]providers.ServiceStatus, error)
}

type Reconciler struct {
	store   store.Store
	compute ServiceLister
	clients map[string]ResourceClient
	limiter *rate.Limiter
	keep    map[string]bool
	logger  *zap.Logger
}

func New(dataStore store.Store, compute ServiceLister, clients map[string]ResourceClient, rps float64, keep []string, logger *zap.Logger) *Reconciler {
	if rps <= 0 {
		rps = 5
	}
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	return &Reconciler{
		store:   dataStore,
		compute: compute,
		clients: clients,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		keep:    keepSet,
		logger:  logger,
	}
}

// Plan is the orphan set for one tool kind, computed from a snapshot of the
// store and the provider inventories.
type Plan struct {
	ToolID  string
	Orphans []providers.ManagedResource
}

// DeletionReport records the outcome of deleting one orphan.
type DeletionReport struct {
	Resource providers.ManagedResource
	Deleted  bool
	Err      error
}

// BuildPlan computes the orphans for one tool kind. An orphan is a managed
// resource whose id is not an active resource id and whose embedded
// instance id is not a live instance id, and which is not denylisted as a
// keep resource. Live instance ids are the union of the store's ids and the
// compute provider's service names; if the compute listing fails the run
// aborts rather than shrinking the alive set.
func (r *Reconciler) BuildPlan(ctx context.Context, toolID string) (*Plan, error) {
	client, ok := r.clients[toolID]
	if !ok {
		return nil, fmt.Errorf("no reconcilable client for tool '%s'", toolID)
	}

	activeResourceIDs, err := r.store.ToolResource().ListActiveResourceIDs(ctx, &store.ToolResourceFilter{ToolID: &toolID})
	if err != nil {
		return nil, fmt.Errorf("list active resource ids: %w", err)
	}
	resourceSet := make(map[string]bool, len(activeResourceIDs))
	for _, id := range activeResourceIDs {
		resourceSet[id] = true
	}

	instanceSet, err := r.activeInstanceIDs(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	managed, err := client.ListManaged(ctx)
	if err != nil {
		return nil, fmt.Errorf("list managed resources for '%s': %w", toolID, err)
	}

	plan := &Plan{ToolID: toolID}
	for _, resource := range managed {
		if r.keep[resource.ID] || r.keep[resource.Name] {
			continue
		}
		if resourceSet[resource.ID] {
			continue
		}
		if resource.InstanceID != "" && instanceSet[resource.InstanceID] {
			continue
		}
		plan.Orphans = append(plan.Orphans, resource)
	}

	r.logger.Info("built reconcile plan",
		zap.String("tool", toolID),
		zap.Int("managed", len(managed)),
		zap.Int("activeResources", len(resourceSet)),
		zap.Int("activeInstances", len(instanceSet)),
		zap.Int("orphans", len(plan.Orphans)))
	return plan, nil
}

// activeInstanceIDs unions the store's instance ids with instance ids
// recovered from the compute provider's live service names. Both sources
// count as alive; a resource is only orphaned when neither knows about it.
func (r *Reconciler) activeInstanceIDs(ctx context.Context) (map[string]bool, error) {
	ids, err := r.store.Instance().ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instance ids: %w", err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	if r.compute != nil {
		services, err := r.compute.ListServices(ctx)
		if err != nil {
			return nil, fmt.Errorf("list compute services: %w", err)
		}
		for _, s := range services {
			if id := instanceIDFromServiceName(s.Name); id != "" {
				set[id] = true
			}
		}
	}
	return set, nil
}

func instanceIDFromServiceName(name string) string {
	if !strings.HasPrefix(name, providers.ManagedPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, providers.ManagedPrefix)
}

// Execute deletes every orphan in the plan best-effort, one report per
// item. A 404 on delete means the resource is already gone and counts as
// deleted. Callers must have obtained operator confirmation first.
func (r *Reconciler) Execute(ctx context.Context, plan *Plan) ([]DeletionReport, error) {
	client, ok := r.clients[plan.ToolID]
	if !ok {
		return nil, fmt.Errorf("no reconcilable client for tool '%s'", plan.ToolID)
	}

	reports := make([]DeletionReport, 0, len(plan.Orphans))
	for _, orphan := range plan.Orphans {
		if err := r.limiter.Wait(ctx); err != nil {
			return reports, err
		}

		err := client.Release(ctx, orphan.ID)
		if err != nil && !providers.IsNotFound(err) {
			r.logger.Error("failed to delete orphan",
				zap.String("tool", plan.ToolID),
				zap.String("resourceId", orphan.ID),
				zap.Error(err))
			reports = append(reports, DeletionReport{Resource: orphan, Deleted: false, Err: err})
			continue
		}

		r.logger.Info("deleted orphan",
			zap.String("tool", plan.ToolID),
			zap.String("resourceId", orphan.ID),
			zap.String("name", orphan.Name))
		reports = append(reports, DeletionReport{Resource: orphan, Deleted: true})
	}
	return reports, nil
}
