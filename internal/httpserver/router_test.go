package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"testing"

	"github.com/duskwarden/aegis/internal/action"
	"github.com/duskwarden/aegis/internal/httpserver"
	"github.com/duskwarden/aegis/internal/identity"
	Lm "github.com/duskwarden/aegis/internal/middleware"
	"github.com/duskwarden/aegis/internal/orchestrator"
)

func newProxy(t *testing.T, target string) *httputil.ReverseProxy {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatal(err)
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad_gateway"}`))
	}
	return rp
}

// newTestEngine builds an Engine with no detectors registered, which
// yields BotProbability=0.5 and Decision=Allow for every request (spec.md
// §8 invariant 3): enough to exercise the router without standing up the
// full collaborator stack.
func newTestEngine(t *testing.T) *Lm.Engine {
	t.Helper()
	idr := identity.New([]byte("test-secret"), false)
	orch := orchestrator.New(nil, orchestrator.DefaultOptions())
	sel := action.New(nil, nil)
	return Lm.NewEngine(idr, orch, sel)
}

func newTestRouter(t *testing.T, proxy *httputil.ReverseProxy, prefix string) http.Handler {
	t.Helper()
	router, cleanup := httpserver.NewRouter(httpserver.RouterDeps{
		Engine:      newTestEngine(t),
		ProxyPrefix: prefix,
	}, proxy)
	t.Cleanup(cleanup)
	return router
}

func Test_LocalRoutes(t *testing.T) {
	router := newTestRouter(t, nil, "/api")
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	for _, p := range []string{"/", "/health", "/metrics"} {
		resp, err := http.Get(ts.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: want 200, got %d", p, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func Test_ProxyOK_WithPrefix(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(backend.Close)

	proxy := newProxy(t, backend.URL)
	router := newTestRouter(t, proxy, "/api")
	gw := httptest.NewServer(router)
	t.Cleanup(gw.Close)

	resp, err := http.Get(gw.URL + "/api/hello") // prefix gets stripped
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
}

func Test_NoProxyConfigured_Is404(t *testing.T) {
	router := newTestRouter(t, nil, "")
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/anything")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func Test_NonApiUnknown_Is404(t *testing.T) {
	router := newTestRouter(t, newProxy(t, "http://127.0.0.1:1"), "/api")
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/favicon.ico") // not local, not under /api
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}
