// Package middleware wires the detection pipeline into the HTTP request
// path: building a RequestContext off the wire, resolving identity,
// running the orchestrator, and applying the resulting Decision.
package middleware

import (
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/duskwarden/aegis/internal/action"
	"github.com/duskwarden/aegis/internal/bus"
	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/internal/identity"
	"github.com/duskwarden/aegis/internal/orchestrator"
	"github.com/duskwarden/aegis/pkg/metrics"
)

// Engine bundles the three collaborators an incoming request needs to
// reach a Decision: identity resolution, the detector pipeline, and the
// policy selector that turns evidence into an action.
type Engine struct {
	Identity *identity.Resolver
	Orch     *orchestrator.Orchestrator
	Actions  *action.Selector
}

func NewEngine(idr *identity.Resolver, orch *orchestrator.Orchestrator, sel *action.Selector) *Engine {
	return &Engine{Identity: idr, Orch: orch, Actions: sel}
}

// Evaluate is the single pipeline entrypoint (spec.md §6.1): it builds a
// RequestContext from req, resolves identity keys onto the bus ahead of
// detector execution, runs every stage, and selects an action.
func (e *Engine) Evaluate(req *http.Request) (core.Decision, *core.AggregatedEvidence) {
	rc := requestContextFrom(req)

	keys := e.Identity.Resolve(identityInputsFrom(req))
	putIdentity(rc.Bus, keys)

	ev := e.Orch.Run(req.Context(), rc)
	decision := e.Actions.Select(rc.Path, ev)
	return decision, ev
}

// BotDetection returns a Chi-compatible middleware that evaluates every
// request through e and applies the resulting Decision before (or
// instead of) handing off to next.
func BotDetection(e *Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			decision, ev := e.Evaluate(req)

			metrics.DetectionsTotal.WithLabelValues(string(ev.RiskBand), string(decision.Action)).Inc()
			metrics.BotProbability.Observe(ev.BotProbability)
			if ev.EarlyExit {
				reason := "threshold"
				if ev.ForcedBlock {
					reason = "immediate_block"
				}
				metrics.EarlyExitsTotal.WithLabelValues(reason).Inc()
			}
			for _, name := range ev.FailedDetectors {
				metrics.FailedDetectorsTotal.WithLabelValues(name).Inc()
			}

			applyDecision(w, req, decision, next)
		})
	}
}

func applyDecision(w http.ResponseWriter, req *http.Request, d core.Decision, next http.Handler) {
	for k, v := range d.Headers {
		w.Header().Set(k, v)
	}

	switch d.Action {
	case core.ActionBlock:
		metrics.ActionsTotal.WithLabelValues(string(d.Action), d.Reason).Inc()
		status := d.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		msg := d.Message
		if msg == "" {
			msg = "request blocked"
		}
		_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
	case core.ActionChallenge:
		metrics.ActionsTotal.WithLabelValues(string(d.Action), d.Reason).Inc()
		w.WriteHeader(http.StatusFound)
	case core.ActionThrottle:
		metrics.ActionsTotal.WithLabelValues(string(d.Action), d.Reason).Inc()
		if d.Delay > 0 {
			metrics.ThrottleDelay.WithLabelValues(d.Reason).Observe(d.Delay.Seconds())
			select {
			case <-time.After(d.Delay):
			case <-req.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, req)
	case core.ActionTag:
		metrics.ActionsTotal.WithLabelValues(string(d.Action), d.Reason).Inc()
		next.ServeHTTP(w, req)
	default: // Allow
		next.ServeHTTP(w, req)
	}
}

// requestContextFrom builds a core.RequestContext from an *http.Request.
// Grounded on the teacher's clientIP/clientIDFrom helpers in the old
// rate-limit middleware, generalized from a single client key to the full
// signal surface the detectors read.
func requestContextFrom(req *http.Request) *core.RequestContext {
	rc := core.NewRequestContext(req.Context())
	rc.ID = chimw.GetReqID(req.Context())
	if rc.ID == "" {
		// chi's RequestID middleware wasn't mounted (e.g. a unit test
		// driving Evaluate directly) — still give the request a stable
		// trace id for the log fields emitted alongside Contributions.
		rc.ID = uuid.NewString()
	}
	rc.Method = req.Method
	rc.Path = req.URL.Path
	rc.QueryCount = len(req.URL.Query())
	rc.ContentLength = req.ContentLength
	rc.IsHTTPS = req.TLS != nil
	rc.RemoteAddress = clientIP(req)
	rc.ForwardedChain = forwardedChain(req)
	rc.RequestedAt = time.Now()
	rc.APIKey = req.Header.Get("X-Api-Key")

	for _, name := range orderedHeaderNames(req.Header) {
		for _, v := range req.Header.Values(name) {
			rc.Headers.Add(name, v)
		}
	}
	for _, c := range req.Cookies() {
		rc.Cookies[c.Name] = struct{}{}
	}
	return rc
}

// orderedHeaderNames approximates arrival order. net/http's Handler
// interface doesn't expose the header order as it came off the wire
// (textproto.MIMEHeader is an unordered map by the time ReadRequest
// returns it), so this puts the headers a real browser sends early
// (User-Agent among them) first, then everything else alphabetically.
// Good enough for the ordering-anomaly heuristic in header.go; not a
// faithful reconstruction of the original wire order.
var typicalBrowserOrder = []string{
	"Host", "Connection", "Cache-Control", "Sec-Ch-Ua", "Sec-Ch-Ua-Mobile",
	"Sec-Ch-Ua-Platform", "Upgrade-Insecure-Requests", "User-Agent", "Accept",
	"Sec-Fetch-Site", "Sec-Fetch-Mode", "Sec-Fetch-User", "Sec-Fetch-Dest",
	"Referer", "Accept-Encoding", "Accept-Language", "Cookie",
}

func orderedHeaderNames(h http.Header) []string {
	seen := make(map[string]bool, len(h))
	out := make([]string, 0, len(h))
	for _, name := range typicalBrowserOrder {
		if _, ok := h[http.CanonicalHeaderKey(name)]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(h))
	for name := range h {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func clientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err == nil {
		return host
	}
	return req.RemoteAddr
}

func forwardedChain(req *http.Request) []string {
	xff := req.Header.Get("X-Forwarded-For")
	if xff == "" {
		return nil
	}
	parts := strings.Split(xff, ",")
	chain := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			chain = append(chain, p)
		}
	}
	return chain
}

// identityInputsFrom pulls the identifiers a bare HTTP request carries: the
// client IP and User-Agent, plus Accept-Language and Accept-Encoding (which
// alone feed the plugin key). canvas/webgl/audio/screen/tz/plugins/fonts arrive via
// the out-of-scope client-side beacon pipeline (spec.md's Non-goals) and
// are resolved separately wherever that pipeline lands them in the
// FingerprintStore; they are never faked here.
func identityInputsFrom(req *http.Request) identity.Inputs {
	return identity.Inputs{
		IP:       clientIP(req),
		UA:       req.Header.Get("User-Agent"),
		AcceptLg: req.Header.Get("Accept-Language"),
		AcceptEn: req.Header.Get("Accept-Encoding"),
	}
}

func putIdentity(b *bus.Bus, keys identity.Keys) {
	if keys.Primary != "" {
		b.Put(bus.KeyIdentityPrimary, bus.String(keys.Primary))
	}
	if keys.IP != "" {
		b.Put(bus.KeyIdentityIP, bus.String(keys.IP))
	}
	if keys.UA != "" {
		b.Put(bus.KeyIdentityUA, bus.String(keys.UA))
	}
	if keys.ClientSide != "" {
		b.Put(bus.KeyIdentityClientSide, bus.String(keys.ClientSide))
	}
	if keys.Plugin != "" {
		b.Put(bus.KeyIdentityPlugin, bus.String(keys.Plugin))
	}
	if keys.Subnet != "" {
		b.Put(bus.KeyIdentitySubnet, bus.String(keys.Subnet))
	}
}
