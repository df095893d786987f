package httpserver

import (
	"net/http"
	"net/http/httputil"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	Lm "github.com/duskwarden/aegis/internal/middleware"
	"github.com/duskwarden/aegis/pkg/metrics"
)

// Requests counts responses served through the reverse proxy, labeled by
// status code and route (always "proxy"). Local routes (/, /health,
// /metrics, not-found) are not counted.
var Requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{Name: "aegis_requests_total"},
	[]string{"code", "route"},
)

func init() {
	prometheus.MustRegister(Requests)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// RouterDeps are the wired collaborators NewRouter needs: the detection
// Engine (identity + orchestrator + action selector) and an optional
// reverse-proxy prefix to mount the protected backend under.
type RouterDeps struct {
	Engine      *Lm.Engine
	ProxyPrefix string // e.g. "/api"; empty mounts no proxy
}

// NewRouter builds the Chi router. If proxy is nil, only local routes
// (/, /health, /metrics) are served.
func NewRouter(d RouterDeps, proxy *httputil.ReverseProxy) (http.Handler, func()) {
	r := chi.NewRouter()

	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(Lm.AccessLoggerFromEnv())

	metrics.RegisterDetectionMetrics(prometheus.DefaultRegisterer)
	r.Use(Lm.BotDetection(d.Engine))

	cleanup := func() {}

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"aegis","version":"0.1.0","status":"ok","hint":"see /health and /metrics"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	prefix := strings.TrimSpace(d.ProxyPrefix)
	if prefix == "" {
		prefix = strings.TrimSpace(os.Getenv("PROXY_PREFIX"))
	}
	if prefix == "" || proxy == nil {
		r.NotFound(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found"}`))
		}))
		return r, cleanup
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimRight(prefix, "/")

	proxyHandler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, code: 200}
		proxy.ServeHTTP(sr, req)
		Requests.WithLabelValues(strconv.Itoa(sr.code), "proxy").Inc()
	})

	r.Route(prefix, func(api chi.Router) {
		stripped := http.StripPrefix(prefix, proxyHandler)
		api.Handle("/", stripped)
		api.Handle("/*", stripped)
	})

	r.NotFound(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	}))

	return r, cleanup
}
