package detect

import (
	"context"
	"net"
	"strings"

	"github.com/duskwarden/aegis/internal/bus"
	"github.com/duskwarden/aegis/internal/collab"
	"github.com/duskwarden/aegis/internal/core"
)

// commonCloudOctets is the first-octet heuristic table for AWS/Azure/GCP/
// Oracle common blocks, per spec.md §4.7.3 priority 3.
var commonCloudOctets = map[string]bool{
	"3": true, "13": true, "18": true, "20": true, "34": true,
	"35": true, "40": true, "52": true, "54": true, "129": true,
}

// IPDetector scores the client IP against known cloud/datacenter/Tor
// ranges (spec.md §4.7.3). Static CIDR ranges are pre-parsed at construction.
type IPDetector struct {
	datacenterRanges []*net.IPNet
	torExitNodes     map[string]bool
	cache            collab.PatternCache
}

func NewIPDetector(datacenterCIDRs []string, torExitNodes map[string]bool, cache collab.PatternCache) *IPDetector {
	d := &IPDetector{torExitNodes: torExitNodes, cache: cache}
	for _, c := range datacenterCIDRs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			d.datacenterRanges = append(d.datacenterRanges, n)
		}
	}
	return d
}

func (d *IPDetector) Name() string      { return "ip" }
func (d *IPDetector) Stage() core.Stage { return core.StageRawSignals }

// ClientIP extracts the client address from X-Forwarded-For's first token,
// falling back to the connection's remote address.
func ClientIP(rc *core.RequestContext) string {
	if xff := rc.Headers.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(rc.RemoteAddress)
	if err != nil {
		return rc.RemoteAddress
	}
	return host
}

func (d *IPDetector) Detect(_ context.Context, rc *core.RequestContext, _ *core.AggregatedEvidence) []core.Contribution {
	ipStr := ClientIP(rc)
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil
	}

	rc.Bus.Put(bus.KeyIPIsLocal, bus.Bool(isRFC1918(ip)))
	if isRFC1918(ip) {
		return nil
	}

	if d.cache != nil {
		if ok, provider := d.cache.IsInAnyCIDRRange(ipStr); ok {
			reason := "downloaded cloud-provider range"
			if provider != "" {
				reason += ": " + provider
			}
			return []core.Contribution{core.Contribution{
				DetectorName: d.Name(), Category: core.CategoryIP,
				ConfidenceDelta: 0.5, Weight: 1.0, Reason: reason,
			}.Clamp()}
		}
	}

	for _, n := range d.datacenterRanges {
		if n.Contains(ip) {
			return []core.Contribution{core.Contribution{
				DetectorName: d.Name(), Category: core.CategoryIP,
				ConfidenceDelta: 0.4, Weight: 1.0, Reason: "static datacenter range",
			}.Clamp()}
		}
	}

	if octet := firstOctet(ipStr); commonCloudOctets[octet] {
		return []core.Contribution{core.Contribution{
			DetectorName: d.Name(), Category: core.CategoryIP,
			ConfidenceDelta: 0.3, Weight: 1.0, Reason: "common cloud-provider first octet",
		}.Clamp()}
	}

	if d.torExitNodes != nil && d.torExitNodes[ipStr] {
		return []core.Contribution{core.Contribution{
			DetectorName: d.Name(), Category: core.CategoryIP,
			ConfidenceDelta: 0.5, Weight: 1.0, Reason: "Tor exit node", BotType: core.BotTypeMalicious,
		}.Clamp()}
	}

	return nil
}

func isRFC1918(ip net.IP) bool {
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"} {
		_, n, _ := net.ParseCIDR(cidr)
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func firstOctet(ip string) string {
	if i := strings.IndexByte(ip, '.'); i > 0 {
		return ip[:i]
	}
	return ""
}
