package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/convos-project/instance-orchestrator/internal/config"
	"github.com/convos-project/instance-orchestrator/internal/handlers"
	"github.com/convos-project/instance-orchestrator/internal/healthcheck"
	"github.com/convos-project/instance-orchestrator/internal/providers/openrouter"
	"github.com/convos-project/instance-orchestrator/internal/providers/railway"
	"github.com/convos-project/instance-orchestrator/internal/service"
	"github.com/convos-project/instance-orchestrator/internal/store"
	"github.com/convos-project/instance-orchestrator/internal/store/model"
	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeRailway is an in-memory GraphQL backend covering the operations the
// orchestrator issues.
type fakeRailway struct {
	mu       sync.Mutex
	next     int
	services map[string]*fakeService
}

type fakeService struct {
	id     string
	name   string
	image  string
	env    map[string]string
	domain string
	status string
}

func (f *fakeRailway) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var call struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		Expect(json.NewDecoder(r.Body).Decode(&call)).To(Succeed())

		f.mu.Lock()
		defer f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		write := func(data any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
		}

		switch {
		case strings.Contains(call.Query, "serviceCreate"):
			input := call.Variables["input"].(map[string]any)
			f.next++
			svc := &fakeService{
				id:     fmt.Sprintf("svc-%d", f.next),
				name:   input["name"].(string),
				image:  input["source"].(map[string]any)["image"].(string),
				env:    map[string]string{},
				status: railway.StatusDeploying,
			}
			for k, v := range input["variables"].(map[string]any) {
				svc.env[k] = v.(string)
			}
			if f.services == nil {
				f.services = map[string]*fakeService{}
			}
			f.services[svc.id] = svc
			write(map[string]any{"serviceCreate": map[string]any{"id": svc.id}})

		case strings.Contains(call.Query, "serviceDelete"):
			id := call.Variables["id"].(string)
			if _, ok := f.services[id]; !ok {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]any{{"message": "Service not found"}},
				})
				return
			}
			delete(f.services, id)
			write(map[string]any{"serviceDelete": true})

		case strings.Contains(call.Query, "volumeCreate"):
			write(map[string]any{"volumeCreate": map[string]any{"id": "vol-1"}})

		case strings.Contains(call.Query, "projectVolumes"):
			write(map[string]any{"project": map[string]any{
				"volumes": map[string]any{"edges": []any{}},
			}})

		case strings.Contains(call.Query, "serviceDomainCreate"):
			input := call.Variables["input"].(map[string]any)
			svc := f.services[input["serviceId"].(string)]
			svc.domain = svc.id + ".up.test"
			write(map[string]any{"serviceDomainCreate": map[string]any{"domain": svc.domain}})

		case strings.Contains(call.Query, "variableCollectionUpsert"):
			input := call.Variables["input"].(map[string]any)
			svc := f.services[input["serviceId"].(string)]
			for k, v := range input["variables"].(map[string]any) {
				svc.env[k] = v.(string)
			}
			write(map[string]any{"variableCollectionUpsert": true})

		case strings.Contains(call.Query, "serviceInstanceRedeploy"):
			write(map[string]any{"serviceInstanceRedeploy": true})

		case strings.Contains(call.Query, "projectServices"):
			edges := make([]any, 0, len(f.services))
			for _, svc := range f.services {
				edges = append(edges, map[string]any{"node": map[string]any{
					"id":   svc.id,
					"name": svc.name,
					"serviceInstances": map[string]any{"edges": []any{
						map[string]any{"node": map[string]any{
							"environmentId": "env-1",
							"source":        map[string]any{"image": svc.image},
							"domains": map[string]any{"serviceDomains": []any{
								map[string]any{"domain": svc.domain},
							}},
							"latestDeployment": map[string]any{"status": svc.status},
						}},
					}},
				}})
			}
			write(map[string]any{"project": map[string]any{
				"services": map[string]any{"edges": edges},
			}})

		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{{"message": "unexpected operation"}},
			})
		}
	}
}

// fakeOpenRouter implements the provisioning key endpoints.
type fakeOpenRouter struct {
	mu   sync.Mutex
	next int
	keys map[string]string // hash -> name
}

func (f *fakeOpenRouter) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/keys":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.next++
			hash := fmt.Sprintf("hash-%d", f.next)
			if f.keys == nil {
				f.keys = map[string]string{}
			}
			f.keys[hash] = body["name"].(string)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"hash": hash, "name": body["name"]},
				"key":  "sk-or-v1-" + hash,
			})

		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/keys/"):
			hash := strings.TrimPrefix(r.URL.Path, "/keys/")
			if _, ok := f.keys[hash]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.keys, hash)
			_ = json.NewEncoder(w).Encode(map[string]any{})

		case r.Method == http.MethodGet && r.URL.Path == "/keys":
			if r.URL.Query().Get("offset") != "0" {
				_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
				return
			}
			data := make([]any, 0, len(f.keys))
			for hash, name := range f.keys {
				data = append(data, map[string]any{"hash": hash, "name": name})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

// rewriteProber probes the test's health endpoint instead of the fake domain
// stored on the instance, which is not routable from the test process.
type rewriteProber struct {
	inner  *healthcheck.Prober
	target string
}

func (p *rewriteProber) Ready(ctx context.Context, _ string) bool {
	return p.inner.Ready(ctx, p.target)
}

var _ = Describe("Instance lifecycle", func() {
	var (
		railwayFake    *fakeRailway
		openRouterFake *fakeOpenRouter
		apiServer      *httptest.Server
		httpClient     *http.Client
	)

	doJSON := func(method, path string, body any) (*http.Response, map[string]any) {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req, err := http.NewRequest(method, apiServer.URL+path, &buf)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var decoded map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
		return resp, decoded
	}

	doJSONList := func(method, path string) (*http.Response, []map[string]any) {
		req, err := http.NewRequest(method, apiServer.URL+path, nil)
		Expect(err).NotTo(HaveOccurred())

		resp, err := httpClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var decoded []map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
		return resp, decoded
	}

	BeforeEach(func() {
		railwayFake = &fakeRailway{}
		openRouterFake = &fakeOpenRouter{}

		railwayServer := httptest.NewServer(railwayFake.handler())
		DeferCleanup(railwayServer.Close)
		openRouterServer := httptest.NewServer(openRouterFake.handler())
		DeferCleanup(openRouterServer.Close)
		healthServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}))
		DeferCleanup(healthServer.Close)

		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(db.AutoMigrate(&model.Instance{}, &model.ToolResource{})).To(Succeed())

		compute := railway.New(&config.RailwayConfig{
			Token:         "rw-token",
			Endpoint:      railwayServer.URL,
			ProjectID:     "proj-1",
			EnvironmentID: "env-1",
		})
		tools := map[string]service.ToolClient{
			"openrouter": openrouter.New(&config.OpenRouterConfig{
				ProvisioningKey: "prov-key",
				Endpoint:        openRouterServer.URL,
				DefaultLimit:    5,
			}),
		}
		prober := &rewriteProber{inner: healthcheck.NewProber(0), target: healthServer.URL}

		orchestrator := service.NewOrchestrator(store.NewStore(db), compute, tools, prober,
			zap.NewNop(), "agent-runtime:test", 0)

		router := chi.NewRouter()
		handlers.NewHandler(orchestrator).Routes(router)
		apiServer = httptest.NewServer(router)
		DeferCleanup(apiServer.Close)

		httpClient = &http.Client{}
	})

	It("creates, reports and destroys an instance end to end", func() {
		By("creating an instance with an OpenRouter key")
		resp, body := doJSON(http.MethodPost, "/create-instance", map[string]any{
			"instanceId": "abc123",
			"name":       "convos-agent-abc123",
			"tools":      []string{"openrouter"},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(body["instanceId"]).To(Equal("abc123"))
		serviceID := body["serviceId"].(string)
		Expect(serviceID).NotTo(BeEmpty())
		resourceID := body["services"].(map[string]any)["openrouter"].(map[string]any)["resourceId"].(string)
		Expect(resourceID).NotTo(BeEmpty())

		By("verifying the key landed in the service environment")
		svc := railwayFake.services[serviceID]
		Expect(svc.env).To(HaveKey("OPENROUTER_API_KEY"))
		Expect(svc.env).To(HaveKeyWithValue("INSTANCE_ID", "abc123"))
		Expect(svc.env).To(HaveKey("GATEWAY_TOKEN"))
		Expect(openRouterFake.keys).To(HaveKeyWithValue(resourceID, "convos-agent-abc123"))

		By("reporting the live deploy status once the deploy succeeds")
		railwayFake.services[serviceID].status = railway.StatusSuccess
		resp, statuses := doJSONList(http.MethodPost, "/status/batch")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0]["deployStatus"]).To(Equal(railway.StatusSuccess))

		By("deriving idle from a successful deploy and a ready health probe")
		resp, summaries := doJSONList(http.MethodGet, "/instances")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(summaries).To(HaveLen(1))
		Expect(summaries[0]["status"]).To(Equal("idle"))
		Expect(summaries[0]["tools"]).To(ConsistOf("openrouter"))

		By("deriving claimed for a claimed instance")
		resp, summaries = doJSONList(http.MethodGet, "/instances?claimed=abc123")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(summaries[0]["status"]).To(Equal("claimed"))

		By("destroying the instance and all its resources")
		resp, body = doJSON(http.MethodDelete, "/destroy/abc123", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		destroyed := body["destroyed"].(map[string]any)
		Expect(destroyed["openrouter"]).To(Equal(true))
		Expect(destroyed["service"]).To(Equal(true))
		Expect(railwayFake.services).To(BeEmpty())
		Expect(openRouterFake.keys).To(BeEmpty())

		By("verifying the instance is gone")
		resp, _ = doJSON(http.MethodDelete, "/destroy/abc123", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
