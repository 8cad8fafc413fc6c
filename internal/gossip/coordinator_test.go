package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskmesh/internal/clock"
	"taskmesh/internal/fault"
	"taskmesh/internal/transport"
)

type fakeSource struct {
	executors int
	active    []string
	emergency []string
}

func (f fakeSource) ExecutorCount() int        { return f.executors }
func (f fakeSource) ActiveJobIDs() []string    { return f.active }
func (f fakeSource) EmergencyJobIDs() []string { return f.emergency }

func newTestCoordinator(id, addr string, clk *clock.Clock) *Coordinator {
	cfg := Config{Interval: time.Hour, ExchangeTimeout: 2 * time.Second}
	return NewCoordinator(id, addr, clk, fakeSource{executors: 2, active: []string{"j1"}}, transport.NewClient(2*time.Second), cfg)
}

// serve exposes a coordinator the way the API layer does: merge the incoming
// snapshot, answer with our own.
func serve(t *testing.T, c *Coordinator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/internal/gossip") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var md Metadata
		if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := c.MergeSnapshot(md); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.BuildSnapshot())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExchangeConvergesClocks(t *testing.T) {
	// X starts at {X:4,Y:2}, Y at {X:3,Y:5}; one exchange must leave both
	// at {X:5,Y:6}: max-merge plus one tick on each side.
	clkX := clock.New("X")
	for i := 0; i < 4; i++ {
		clkX.Tick()
	}
	if err := clkX.Absorb(map[string]int64{"Y": 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clkY := clock.New("Y")
	for i := 0; i < 5; i++ {
		clkY.Tick()
	}
	if err := clkY.Absorb(map[string]int64{"X": 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	x := newTestCoordinator("X", "x:0", clkX)
	y := newTestCoordinator("Y", "y:0", clkY)
	srvY := serve(t, y)

	addr := strings.TrimPrefix(srvY.URL, "http://")
	if err := x.RegisterPeer("Y", addr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := x.ExchangeWith(context.Background(), "Y", addr); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	want := map[string]int64{"X": 5, "Y": 6}
	for name, clk := range map[string]*clock.Clock{"X": clkX, "Y": clkY} {
		got := clk.Snapshot()
		if got["X"] != want["X"] || got["Y"] != want["Y"] {
			t.Fatalf("broker %s: expected %v, got %v", name, want, got)
		}
	}
}

func TestExchangeUpdatesPeerRecords(t *testing.T) {
	x := newTestCoordinator("X", "x:0", clock.New("X"))
	y := newTestCoordinator("Y", "y:0", clock.New("Y"))
	srvY := serve(t, y)
	addr := strings.TrimPrefix(srvY.URL, "http://")

	if err := x.ExchangeWith(context.Background(), "Y", addr); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	peers := x.Peers()
	if len(peers) != 1 || peers[0].ID != "Y" {
		t.Fatalf("expected peer Y, got %v", peers)
	}
	if !peers[0].Healthy || peers[0].LastSeen.IsZero() {
		t.Fatalf("peer must be healthy with last-seen set: %+v", peers[0])
	}
	// Responder learned about X too.
	if h := y.PeerHealth(); !h["X"] {
		t.Fatalf("responder must record initiator: %v", h)
	}
}

func TestFailedExchangeMarksUnhealthyKeepsClock(t *testing.T) {
	x := newTestCoordinator("X", "x:0", clock.New("X"))
	if err := x.RegisterPeer("Y", "127.0.0.1:1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Seed last-known clock via a merged snapshot.
	if err := x.MergeSnapshot(Metadata{BrokerID: "Y", Clock: map[string]int64{"Y": 3}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := x.ExchangeWith(ctx, "Y", "127.0.0.1:1")
	if !errors.Is(err, fault.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	peers := x.Peers()
	if len(peers) != 1 || peers[0].Healthy {
		t.Fatalf("peer must be unhealthy but kept: %v", peers)
	}
	if peers[0].Clock["Y"] != 3 {
		t.Fatalf("last-known clock must survive failure: %v", peers[0].Clock)
	}
}

func TestMergeSnapshotValidation(t *testing.T) {
	x := newTestCoordinator("X", "x:0", clock.New("X"))

	if err := x.MergeSnapshot(Metadata{}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing broker id, got %v", err)
	}
	if err := x.MergeSnapshot(Metadata{BrokerID: "X"}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for self snapshot, got %v", err)
	}
	err := x.MergeSnapshot(Metadata{BrokerID: "Y", Clock: map[string]int64{"Y": -1}})
	if !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative clock, got %v", err)
	}
}

func TestRegisterPeerValidation(t *testing.T) {
	x := newTestCoordinator("X", "x:0", clock.New("X"))
	if err := x.RegisterPeer("", "a:1"); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := x.RegisterPeer("X", "a:1"); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for self-registration, got %v", err)
	}
}

func TestBuildSnapshotReflectsLiveState(t *testing.T) {
	clk := clock.New("X")
	clk.Tick()
	x := NewCoordinator("X", "x:9", clk,
		fakeSource{executors: 3, active: []string{"a", "b"}, emergency: []string{"b"}},
		transport.NewClient(time.Second), DefaultConfig())

	md := x.BuildSnapshot()
	if md.BrokerID != "X" || md.Address != "x:9" {
		t.Fatalf("bad identity: %+v", md)
	}
	if md.ExecutorCount != 3 || len(md.ActiveJobs) != 2 || len(md.EmergencyJobs) != 1 {
		t.Fatalf("snapshot must reflect source state: %+v", md)
	}
	if md.Clock["X"] != 1 {
		t.Fatalf("snapshot clock must be current: %v", md.Clock)
	}
}
