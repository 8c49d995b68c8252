package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/convos-project/instance-orchestrator/internal/registry"
	"github.com/convos-project/instance-orchestrator/internal/service"
	"github.com/go-chi/chi/v5"
)

// Handler exposes the orchestrator over HTTP.
type Handler struct {
	orchestrator *service.Orchestrator
}

func NewHandler(orchestrator *service.Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// Routes mounts every orchestrator route on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/create-instance", h.CreateInstance)
	r.Delete("/destroy/{instanceId}", h.Destroy)
	r.Delete("/destroy/{instanceId}/{toolId}/{resourceId}", h.DestroyToolResource)
	r.Post("/redeploy/{instanceId}", h.Redeploy)
	r.Post("/provision/{instanceId}/{toolId}", h.ProvisionTool)
	r.Post("/provision-local", h.ProvisionLocal)
	r.Get("/registry", h.Registry)
	r.Post("/status/batch", h.StatusBatch)
	r.Get("/instances", h.ListInstances)
}

type createInstanceRequest struct {
	InstanceID string   `json:"instanceId"`
	Name       string   `json:"name"`
	Tools      []string `json:"tools"`
}

func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InstanceID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "instanceId and name are required")
		return
	}

	result, err := h.orchestrator.CreateInstance(r.Context(), service.CreateInstanceRequest{
		InstanceID: req.InstanceID,
		Name:       req.Name,
		Tools:      req.Tools,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) Destroy(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	result, err := h.orchestrator.Destroy(r.Context(), instanceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) DestroyToolResource(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	toolID := chi.URLParam(r, "toolId")
	resourceID := chi.URLParam(r, "resourceId")

	result, err := h.orchestrator.DestroyToolResource(r.Context(), instanceID, toolID, resourceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Redeploy(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	if err := h.orchestrator.Redeploy(r.Context(), instanceID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instanceId": instanceID, "ok": true})
}

type provisionToolRequest struct {
	Config map[string]any `json:"config"`
}

func (h *Handler) ProvisionTool(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	toolID := chi.URLParam(r, "toolId")

	var req provisionToolRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	result, err := h.orchestrator.ProvisionTool(r.Context(), instanceID, toolID, req.Config)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type provisionLocalRequest struct {
	Tools []string `json:"tools"`
}

func (h *Handler) ProvisionLocal(w http.ResponseWriter, r *http.Request) {
	var req provisionLocalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	env, err := h.orchestrator.ProvisionLocal(r.Context(), req.Tools)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"env": env})
}

func (h *Handler) Registry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registry.List())
}

type statusBatchRequest struct {
	InstanceIDs []string `json:"instanceIds"`
}

func (h *Handler) StatusBatch(w http.ResponseWriter, r *http.Request) {
	var req statusBatchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	statuses, err := h.orchestrator.StatusBatch(r.Context(), req.InstanceIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if statuses == nil {
		statuses = []service.InstanceStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	claimed := map[string]bool{}
	if raw := r.URL.Query().Get("claimed"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			claimed[id] = true
		}
	}

	summaries, err := h.orchestrator.ListInstances(r.Context(), claimed)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}
