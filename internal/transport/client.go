package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client is the JSON-over-HTTP request/response boundary used for gossip
// exchanges, heartbeats and vote collection.
type Client struct {
	hc *http.Client

	mu    sync.Mutex
	rng   *rand.Rand
	chaos ChaosConfig

	delayed atomic.Uint64
	dropped atomic.Uint64
	hbDrops atomic.Uint64
}

// ChaosConfig enables deliberate unreliability on outbound traffic.
//
// Learning note:
// - Dropped heartbeats exercise the failure detector; dropped gossip
//   exercises the unhealthy-peer retry path.
// - When disabled, behavior is unchanged.
type ChaosConfig struct {
	Enabled bool

	// DropProb is the default probability of dropping any outbound request.
	DropProb float64

	// HeartbeatDropProb applies only to requests whose path ends with
	// /heartbeat, so the failure detector sees more trouble than gossip.
	HeartbeatDropProb float64

	// DelayProb controls whether an artificial delay is added.
	DelayProb float64

	DelayMin time.Duration
	DelayMax time.Duration
}

func DefaultChaosConfig() ChaosConfig {
	return ChaosConfig{
		Enabled:           true,
		DropProb:          0.10,
		HeartbeatDropProb: 0.35,
		DelayProb:         0.30,
		DelayMin:          80 * time.Millisecond,
		DelayMax:          500 * time.Millisecond,
	}
}

var ErrChaosDrop = errors.New("chaos: dropped outbound request")

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	return &Client{
		hc:  &http.Client{Timeout: timeout},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) EnableChaos(cfg ChaosConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chaos = cfg
}

type Stats struct {
	Delayed           uint64 `json:"delayed"`
	Dropped           uint64 `json:"dropped"`
	HeartbeatsDropped uint64 `json:"heartbeats_dropped"`
}

func (c *Client) GetStats() Stats {
	return Stats{
		Delayed:           c.delayed.Load(),
		Dropped:           c.dropped.Load(),
		HeartbeatsDropped: c.hbDrops.Load(),
	}
}

func (c *Client) maybeChaos(ctx context.Context, rawURL string) error {
	c.mu.Lock()
	cfg := c.chaos
	c.mu.Unlock()

	if !cfg.Enabled {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		// If URL parsing fails, don't introduce chaos.
		return nil
	}
	isHeartbeat := strings.HasSuffix(parsed.Path, "/heartbeat")

	dropProb := cfg.DropProb
	if isHeartbeat {
		dropProb = cfg.HeartbeatDropProb
	}
	if dropProb > 0 && c.roll() < dropProb {
		c.dropped.Add(1)
		if isHeartbeat {
			c.hbDrops.Add(1)
		}
		return ErrChaosDrop
	}

	if cfg.DelayProb > 0 && cfg.DelayMax > 0 && c.roll() < cfg.DelayProb {
		min, max := cfg.DelayMin, cfg.DelayMax
		if max < min {
			max = min
		}
		d := min
		if jitter := max - min; jitter > 0 {
			c.mu.Lock()
			d = min + time.Duration(c.rng.Int63n(int64(jitter)))
			c.mu.Unlock()
		}
		c.delayed.Add(1)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	return nil
}

func (c *Client) roll() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

// PostJSON sends body as JSON and decodes the reply into out when non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	return c.do(ctx, http.MethodPost, url, bytes.NewReader(b), out)
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) (int, error) {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

// do is the single request path: chaos first, then the HTTP round trip,
// then a bounded-size decode. An empty reply body leaves out untouched.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, out any) (int, error) {
	if err := c.maybeChaos(ctx, url); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out == nil {
		return resp.StatusCode, nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if len(data) == 0 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.Unmarshal(data, out)
}
