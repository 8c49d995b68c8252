// Package railway is the compute platform client. Railway exposes a single
// GraphQL endpoint; every operation here is one query or mutation, with the
// responses flattened into the canonical providers shapes.
package railway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/convos-project/instance-orchestrator/internal/config"
	"github.com/convos-project/instance-orchestrator/internal/providers"
	"github.com/go-resty/resty/v2"
)

// Deploy status strings reported by Railway.
const (
	StatusSleeping  = "SLEEPING"
	StatusFailed    = "FAILED"
	StatusCrashed   = "CRASHED"
	StatusRemoved   = "REMOVED"
	StatusSkipped   = "SKIPPED"
	StatusQueued    = "QUEUED"
	StatusWaiting   = "WAITING"
	StatusBuilding  = "BUILDING"
	StatusDeploying = "DEPLOYING"
	StatusSuccess   = "SUCCESS"
)

type Client struct {
	httpClient    *resty.Client
	projectID     string
	environmentID string
}

func New(cfg *config.RailwayConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetAuthToken(cfg.Token).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second)

	return &Client{
		httpClient:    client,
		projectID:     cfg.ProjectID,
		environmentID: cfg.EnvironmentID,
	}
}

func (c *Client) ProjectID() string     { return c.projectID }
func (c *Client) EnvironmentID() string { return c.environmentID }

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do executes one GraphQL operation and unmarshals the data envelope into
// out. GraphQL-level errors and HTTP-level errors both surface as the
// uniform providers.Error.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	var envelope graphqlResponse

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(graphqlRequest{Query: query, Variables: variables}).
		SetResult(&envelope).
		Post("")
	if err != nil {
		return providers.NewError(http.StatusBadGateway, fmt.Sprintf("railway unreachable: %v", err))
	}
	if resp.IsError() {
		return providers.NewError(resp.StatusCode(), fmt.Sprintf("railway returned %s", resp.Status()))
	}
	if len(envelope.Errors) > 0 {
		status := http.StatusBadGateway
		if isNotFoundMessage(envelope.Errors[0].Message) {
			status = http.StatusNotFound
		}
		return providers.NewError(status, envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return providers.NewError(http.StatusBadGateway, fmt.Sprintf("railway response malformed: %v", err))
		}
	}
	return nil
}

func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")
}

const serviceCreateMutation = `
mutation serviceCreate($input: ServiceCreateInput!) {
  serviceCreate(input: $input) { id }
}`

// CreateService creates a compute service running the given image with the
// assembled environment and returns the new service id.
func (c *Client) CreateService(ctx context.Context, name, image string, env map[string]string) (string, error) {
	var result struct {
		ServiceCreate struct {
			ID string `json:"id"`
		} `json:"serviceCreate"`
	}
	err := c.do(ctx, serviceCreateMutation, map[string]any{
		"input": map[string]any{
			"projectId":     c.projectID,
			"environmentId": c.environmentID,
			"name":          name,
			"source":        map[string]any{"image": image},
			"variables":     env,
		},
	}, &result)
	if err != nil {
		return "", err
	}
	return result.ServiceCreate.ID, nil
}

const serviceDeleteMutation = `
mutation serviceDelete($id: String!) {
  serviceDelete(id: $id)
}`

func (c *Client) DeleteService(ctx context.Context, serviceID string) error {
	return c.do(ctx, serviceDeleteMutation, map[string]any{"id": serviceID}, nil)
}

const variableCollectionUpsertMutation = `
mutation variableCollectionUpsert($input: VariableCollectionUpsertInput!) {
  variableCollectionUpsert(input: $input)
}`

// UpsertVariables pushes environment variables into an existing service. The
// change takes effect on the next deploy.
func (c *Client) UpsertVariables(ctx context.Context, serviceID string, env map[string]string) error {
	return c.do(ctx, variableCollectionUpsertMutation, map[string]any{
		"input": map[string]any{
			"projectId":     c.projectID,
			"environmentId": c.environmentID,
			"serviceId":     serviceID,
			"variables":     env,
		},
	}, nil)
}

const volumeCreateMutation = `
mutation volumeCreate($input: VolumeCreateInput!) {
  volumeCreate(input: $input) { id }
}`

func (c *Client) CreateVolume(ctx context.Context, serviceID, mountPath string) (string, error) {
	var result struct {
		VolumeCreate struct {
			ID string `json:"id"`
		} `json:"volumeCreate"`
	}
	err := c.do(ctx, volumeCreateMutation, map[string]any{
		"input": map[string]any{
			"projectId":     c.projectID,
			"environmentId": c.environmentID,
			"serviceId":     serviceID,
			"mountPath":     mountPath,
		},
	}, &result)
	if err != nil {
		return "", err
	}
	return result.VolumeCreate.ID, nil
}

const projectVolumesQuery = `
query projectVolumes($id: String!) {
  project(id: $id) {
    volumes {
      edges { node { id volumeInstances { edges { node { serviceId } } } } }
    }
  }
}`

// ListVolumes returns the ids of volumes attached to the given service.
func (c *Client) ListVolumes(ctx context.Context, serviceID string) ([]string, error) {
	var result struct {
		Project struct {
			Volumes struct {
				Edges []struct {
					Node struct {
						ID              string `json:"id"`
						VolumeInstances struct {
							Edges []struct {
								Node struct {
									ServiceID string `json:"serviceId"`
								} `json:"node"`
							} `json:"edges"`
						} `json:"volumeInstances"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"volumes"`
		} `json:"project"`
	}
	if err := c.do(ctx, projectVolumesQuery, map[string]any{"id": c.projectID}, &result); err != nil {
		return nil, err
	}

	var ids []string
	for _, edge := range result.Project.Volumes.Edges {
		for _, inst := range edge.Node.VolumeInstances.Edges {
			if inst.Node.ServiceID == serviceID {
				ids = append(ids, edge.Node.ID)
				break
			}
		}
	}
	return ids, nil
}

const volumeDeleteMutation = `
mutation volumeDelete($id: String!) {
  volumeDelete(volumeId: $id)
}`

func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	return c.do(ctx, volumeDeleteMutation, map[string]any{"id": volumeID}, nil)
}

const serviceDomainCreateMutation = `
mutation serviceDomainCreate($input: ServiceDomainCreateInput!) {
  serviceDomainCreate(input: $input) { domain }
}`

// CreateServiceDomain attaches a public domain and returns its URL.
func (c *Client) CreateServiceDomain(ctx context.Context, serviceID string) (string, error) {
	var result struct {
		ServiceDomainCreate struct {
			Domain string `json:"domain"`
		} `json:"serviceDomainCreate"`
	}
	err := c.do(ctx, serviceDomainCreateMutation, map[string]any{
		"input": map[string]any{
			"environmentId": c.environmentID,
			"serviceId":     serviceID,
		},
	}, &result)
	if err != nil {
		return "", err
	}
	return "https://" + result.ServiceDomainCreate.Domain, nil
}

const serviceRedeployMutation = `
mutation serviceInstanceRedeploy($environmentId: String!, $serviceId: String!) {
  serviceInstanceRedeploy(environmentId: $environmentId, serviceId: $serviceId)
}`

// Redeploy triggers a redeploy of the service's latest build.
func (c *Client) Redeploy(ctx context.Context, serviceID string) error {
	return c.do(ctx, serviceRedeployMutation, map[string]any{
		"environmentId": c.environmentID,
		"serviceId":     serviceID,
	}, nil)
}

const projectServicesQuery = `
query projectServices($id: String!) {
  project(id: $id) {
    services {
      edges {
        node {
          id
          name
          serviceInstances {
            edges {
              node {
                environmentId
                source { image }
                domains { serviceDomains { domain } }
                latestDeployment { status }
              }
            }
          }
        }
      }
    }
  }
}`

// ListServices returns the live state of every service in the project.
func (c *Client) ListServices(ctx context.Context) ([]providers.ServiceStatus, error) {
	var result struct {
		Project struct {
			Services struct {
				Edges []struct {
					Node struct {
						ID               string `json:"id"`
						Name             string `json:"name"`
						ServiceInstances struct {
							Edges []struct {
								Node struct {
									EnvironmentID string `json:"environmentId"`
									Source        struct {
										Image string `json:"image"`
									} `json:"source"`
									Domains struct {
										ServiceDomains []struct {
											Domain string `json:"domain"`
										} `json:"serviceDomains"`
									} `json:"domains"`
									LatestDeployment struct {
										Status string `json:"status"`
									} `json:"latestDeployment"`
								} `json:"node"`
							} `json:"edges"`
						} `json:"serviceInstances"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"services"`
		} `json:"project"`
	}
	if err := c.do(ctx, projectServicesQuery, map[string]any{"id": c.projectID}, &result); err != nil {
		return nil, err
	}

	statuses := make([]providers.ServiceStatus, 0, len(result.Project.Services.Edges))
	for _, edge := range result.Project.Services.Edges {
		status := providers.ServiceStatus{
			ServiceID: edge.Node.ID,
			Name:      edge.Node.Name,
		}
		for _, inst := range edge.Node.ServiceInstances.Edges {
			status.EnvironmentIDs = append(status.EnvironmentIDs, inst.Node.EnvironmentID)
			if inst.Node.EnvironmentID != c.environmentID && len(edge.Node.ServiceInstances.Edges) > 1 {
				continue
			}
			status.DeployStatus = inst.Node.LatestDeployment.Status
			status.Image = inst.Node.Source.Image
			if len(inst.Node.Domains.ServiceDomains) > 0 {
				status.Domain = inst.Node.Domains.ServiceDomains[0].Domain
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
