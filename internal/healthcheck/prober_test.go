package healthcheck_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/convos-project/instance-orchestrator/internal/healthcheck"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Prober", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("with a healthy instance", func() {
		It("reports ready on a 200 health response", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/health" {
					w.WriteHeader(http.StatusOK)
					return
				}
				w.WriteHeader(http.StatusNotFound)
			}))
			defer server.Close()

			prober := healthcheck.NewProber(0)
			Expect(prober.Ready(ctx, server.URL)).To(BeTrue())
		})

		It("tolerates a trailing slash in the instance URL", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/health" {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				w.WriteHeader(http.StatusNotFound)
			}))
			defer server.Close()

			prober := healthcheck.NewProber(0)
			Expect(prober.Ready(ctx, server.URL+"/")).To(BeTrue())
		})
	})

	Context("with an unhealthy instance", func() {
		It("reports not ready on a 5xx health response", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			prober := healthcheck.NewProber(0)
			Expect(prober.Ready(ctx, server.URL)).To(BeFalse())
		})

		It("reports not ready when the endpoint is unreachable", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			server.Close()

			prober := healthcheck.NewProber(500 * time.Millisecond)
			Expect(prober.Ready(ctx, server.URL)).To(BeFalse())
		})
	})
})
