package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskmesh/internal/api"
	"taskmesh/internal/causal"
	"taskmesh/internal/clock"
	"taskmesh/internal/gossip"
	"taskmesh/internal/health"
	"taskmesh/internal/sched"
	"taskmesh/internal/transport"
)

func main() {
	var (
		id          = flag.String("id", "", "broker ID (must be unique in the cluster)")
		addr        = flag.String("addr", "127.0.0.1:8081", "listen address host:port")
		seed        = flag.String("seed", "", "optional seed broker host:port to join")
		maxJobs     = flag.Int("max-jobs", 4, "max concurrently executing jobs")
		capacity    = flag.Int("capacity", 16, "cost budget admitted concurrently")
		gossipEvery = flag.Duration("gossip-interval", 60*time.Second, "metadata gossip interval")
		hbEvery     = flag.Duration("heartbeat-interval", time.Second, "heartbeat push interval")
		hbTimeout   = flag.Duration("heartbeat-timeout", 3*time.Second, "silence before a check counts a miss")
		maxFailures = flag.Int("max-failures", 3, "consecutive misses before confirmed failure")
		scorerName  = flag.String("scorer", "capability", "executor scoring strategy: capability | timestamp")
		chaos       = flag.Bool("chaos", false, "enable chaos mode: randomly delay/drop outbound requests (incl. heartbeats)")
	)
	flag.Parse()

	if *id == "" {
		// Keep it deterministic and readable for local demos.
		*id = fmt.Sprintf("broker-%d", 1000+rand.Intn(9000))
	}

	cli := transport.NewClient(800 * time.Millisecond)
	if *chaos {
		cli.EnableChaos(transport.DefaultChaosConfig())
		log.Printf("CHAOS enabled: outbound requests may be delayed/dropped")
	}

	var scorer sched.Scorer
	switch *scorerName {
	case "capability":
		scorer = sched.CapabilityScorer{}
	case "timestamp":
		scorer = sched.TimestampScorer{}
	default:
		log.Fatalf("unknown scorer %q", *scorerName)
	}

	clk := clock.New(*id)

	// Local execution is a stand-in runner; real deployments plug in a
	// runner that proxies to the assigned executor.
	runner := sched.RunnerFunc(func(ctx context.Context, job sched.Job) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
			return "ok:" + job.ID, nil
		}
	})

	scheduler := sched.New(clk, sched.Config{
		MaxConcurrent: *maxJobs,
		Capacity:      *capacity,
	}, runner, scorer)
	scheduler.RegisterExecutor(*id, *maxJobs)

	coord := gossip.NewCoordinator(*id, *addr, clk, scheduler, cli, gossip.Config{
		Interval: *gossipEvery,
	})

	rep := health.NewReputationTable(health.DefaultReputationConfig())
	monitor := health.NewMonitor(health.DetectorConfig{
		HeartbeatTimeout: *hbTimeout,
		CheckInterval:    *hbTimeout / 3,
		MaxFailures:      *maxFailures,
	}, clk, rep)
	monitor.OnConfirmedFailure(func(nodeID string) {
		n, err := scheduler.RedistributeFrom(nodeID)
		if err != nil {
			log.Printf("redistribution stalled node=%s err=%v", nodeID, err)
			return
		}
		log.Printf("redistributed jobs=%d from failed node=%s", n, nodeID)
	})

	votes := health.NewConsensus(health.DefaultConsensusConfig(), rep, clk, monitor.IsAlive)

	buffer := causal.NewBuffer(clk, causal.DefaultConfig(), func(m causal.Message) {
		log.Printf("delivered message sender=%s class=%s", m.Sender, m.Class)
	})
	buffer.OnEmergency(func(m causal.Message) { scheduler.NoteAlert(m.Sender) })

	reporter := health.NewReporter(*id, clk, cli, *hbEvery, func() []health.Target {
		peers := coord.Peers()
		out := make([]health.Target, 0, len(peers))
		for _, p := range peers {
			out = append(out, health.Target{ID: p.ID, Address: p.Address})
		}
		return out
	}, scheduler.Load)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	coord.Start(ctx)
	monitor.Start(ctx)
	reporter.Start(ctx)

	if *seed != "" {
		ctx2, cancel2 := context.WithTimeout(ctx, 3*time.Second)
		var snap gossip.Metadata
		_, err := cli.PostJSON(ctx2, "http://"+*seed+"/join", api.JoinRequest{
			ID: *id, Address: *addr, Capability: *maxJobs,
		}, &snap)
		cancel2()
		if err != nil {
			log.Printf("join failed seed=%s err=%v", *seed, err)
		} else if err := coord.MergeSnapshot(snap); err != nil {
			log.Printf("join snapshot rejected seed=%s err=%v", *seed, err)
		} else {
			log.Printf("joined via seed=%s peer=%s", *seed, snap.BrokerID)
		}
	}

	srv := api.NewServer(*id, clk, scheduler, coord, monitor, votes, buffer, cli)
	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler()}

	go func() {
		log.Printf("starting %s on %s (max-jobs=%d capacity=%d scorer=%s)", *id, *addr, *maxJobs, *capacity, *scorerName)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
	_ = httpServer.Shutdown(ctxShutdown)
	cancelShutdown()
}
