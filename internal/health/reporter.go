package health

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"taskmesh/internal/clock"
	"taskmesh/internal/transport"
)

// Target is a peer the reporter pushes heartbeats to.
type Target struct {
	ID      string
	Address string
}

// Reporter periodically pushes this node's heartbeat to every peer so their
// failure detectors see us. It blocks only on its own timer, never on job
// execution.
type Reporter struct {
	selfID   string
	clk      *clock.Clock
	cli      *transport.Client
	interval time.Duration
	timeout  time.Duration
	targets  func() []Target
	load     func() float64

	lastRTTms atomic.Uint64 // observed RTT of the previous push, reported as latency
}

func NewReporter(selfID string, clk *clock.Clock, cli *transport.Client,
	interval time.Duration, targets func() []Target, load func() float64) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	if load == nil {
		load = func() float64 { return 0 }
	}
	return &Reporter{
		selfID:   selfID,
		clk:      clk,
		cli:      cli,
		interval: interval,
		timeout:  interval, // one missed beat at most per slow exchange
		targets:  targets,
		load:     load,
	}
}

func (r *Reporter) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(r.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.beat(ctx)
			}
		}
	}()
}

func (r *Reporter) beat(ctx context.Context) {
	// Emitting a heartbeat is a local event.
	r.clk.Tick()
	hb := Heartbeat{
		NodeID:    r.selfID,
		LatencyMS: float64(r.lastRTTms.Load()),
		Load:      r.load(),
		Clock:     r.clk.Snapshot(),
	}
	for _, tgt := range r.targets() {
		if tgt.Address == "" {
			continue
		}
		go func(tgt Target) {
			ctx2, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			_, err := r.cli.PostJSON(ctx2, "http://"+tgt.Address+"/heartbeat", hb, &struct{}{})
			if err != nil {
				log.Printf("health: heartbeat push failed peer=%s err=%v", tgt.ID, err)
				return
			}
			r.lastRTTms.Store(uint64(time.Since(start).Milliseconds()))
		}(tgt)
	}
}
