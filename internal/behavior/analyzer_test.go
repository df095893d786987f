package behavior_test

import (
	"testing"
	"time"

	"github.com/duskwarden/aegis/internal/behavior"
)

func Test_SimplifyPath(t *testing.T) {
	cases := map[string]string{
		"/users/123/orders/987":                          "/users/{id}/orders/{id}",
		"/users/456/orders/111":                          "/users/{id}/orders/{id}",
		"/widgets/3fa85f64-5717-4562-b3fc-2c963f66afa6":   "/widgets/{guid}",
		"/static/app.js":                                  "/static/app.js",
	}
	for in, want := range cases {
		if got := behavior.SimplifyPath(in); got != want {
			t.Errorf("SimplifyPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func Test_ShannonEntropy(t *testing.T) {
	if h := behavior.ShannonEntropy(nil); h != 0 {
		t.Fatalf("empty: want 0, got %v", h)
	}
	uniform := []string{"/a", "/b", "/c", "/d"}
	if h := behavior.ShannonEntropy(uniform); h != 2 {
		t.Fatalf("4-way uniform: want 2 bits, got %v", h)
	}
	allSame := []string{"/a", "/a", "/a", "/a"}
	if h := behavior.ShannonEntropy(allSame); h != 0 {
		t.Fatalf("single value: want 0, got %v", h)
	}
}

func Test_PathEntropy_RequiresFiveSamples(t *testing.T) {
	if _, ok := behavior.PathEntropy([]string{"/a", "/b", "/c", "/d"}); ok {
		t.Fatal("want ok=false with only 4 samples")
	}
	if _, ok := behavior.PathEntropy([]string{"/a", "/b", "/c", "/d", "/e"}); !ok {
		t.Fatal("want ok=true with 5 samples")
	}
}

func tsSeq(start time.Time, gaps ...time.Duration) []time.Time {
	out := []time.Time{start}
	t := start
	for _, g := range gaps {
		t = t.Add(g)
		out = append(out, t)
	}
	return out
}

func Test_TooRegular(t *testing.T) {
	start := time.Unix(0, 0)
	gaps := make([]time.Duration, 8)
	for i := range gaps {
		gaps[i] = time.Second // perfectly regular: cv == 0
	}
	ts := tsSeq(start, gaps...)
	cv, flagged := behavior.TooRegular(ts)
	if !flagged {
		t.Fatalf("want flagged, cv=%v", cv)
	}

	// fewer than 8 intervals never flags regardless of regularity.
	if _, flagged := behavior.TooRegular(tsSeq(start, time.Second, time.Second)); flagged {
		t.Fatal("want not flagged with <8 intervals")
	}
}

func Test_TimingAnomaly(t *testing.T) {
	start := time.Unix(0, 0)
	// nine gaps hovering around 1s (small jitter, so stddev>0 but tiny),
	// then one 10s outlier gap: z-score should flag the jump per spec.md's
	// z>3.0 rule.
	gaps := []time.Duration{
		980 * time.Millisecond, 1020 * time.Millisecond, 990 * time.Millisecond,
		1010 * time.Millisecond, 1000 * time.Millisecond, 995 * time.Millisecond,
		1005 * time.Millisecond, 990 * time.Millisecond, 1010 * time.Millisecond,
		10 * time.Second,
	}
	ts := tsSeq(start, gaps...)
	z, flagged := behavior.TimingAnomaly(ts)
	if !flagged {
		t.Fatalf("want flagged, z=%v", z)
	}
}

func Test_NavTable_ObserveIsPriorConditioned(t *testing.T) {
	tab := behavior.NewNavTable()

	prob, prior := tab.Observe("/home", "/about")
	if prior != 0 || prob != 0 {
		t.Fatalf("first observation: want prior=0 prob=0, got prior=%d prob=%v", prior, prob)
	}

	// repeat the same edge several times; each call reports the
	// probability BEFORE this observation is folded in.
	for i := 0; i < 4; i++ {
		tab.Observe("/home", "/about")
	}
	prob, prior = tab.Observe("/home", "/checkout")
	if prior != 5 {
		t.Fatalf("want 5 prior samples for /home, got %d", prior)
	}
	if prob != 0 {
		t.Fatalf("/home->/checkout never seen before: want prob=0, got %v", prob)
	}
}

func Test_NavigationFinding(t *testing.T) {
	if _, ok := behavior.NavigationFinding(0.05, 3); !ok {
		t.Fatal("want unusual-transition finding for low prob with enough prior samples")
	}
	if _, ok := behavior.NavigationFinding(0.05, 2); ok {
		t.Fatal("want no finding below the prior-samples threshold")
	}
	if _, ok := behavior.NavigationFinding(0.95, 5); !ok {
		t.Fatal("want repetitive-transition finding for high prob with enough prior samples")
	}
	if _, ok := behavior.NavigationFinding(0.5, 10); ok {
		t.Fatal("want no finding for a mid-range probability")
	}
}

func Test_DetectBurst(t *testing.T) {
	now := time.Unix(1000, 0)
	var recent []time.Time
	for i := 0; i < 20; i++ {
		recent = append(recent, now.Add(-time.Duration(i)*time.Second))
	}
	res := behavior.DetectBurst(recent, now, 30*time.Second, 22)
	if !res.Flagged {
		t.Fatalf("want burst flagged: %+v", res)
	}

	res = behavior.DetectBurst(nil, now, 30*time.Second, 0)
	if res.Flagged {
		t.Fatalf("want no burst with no timestamps: %+v", res)
	}
}
