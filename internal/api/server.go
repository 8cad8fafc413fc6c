package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"taskmesh/internal/causal"
	"taskmesh/internal/clock"
	"taskmesh/internal/fault"
	"taskmesh/internal/gossip"
	"taskmesh/internal/health"
	"taskmesh/internal/sched"
	"taskmesh/internal/transport"
)

// Server exposes the broker over JSON HTTP: the job source boundary, the
// status query surface, and the internal peer endpoints.
type Server struct {
	selfID    string
	clk       *clock.Clock
	scheduler *sched.Scheduler
	coord     *gossip.Coordinator
	monitor   *health.Monitor
	votes     *health.Consensus
	buffer    *causal.Buffer
	cli       *transport.Client

	// Minimal observability: request counters.
	submits    atomic.Uint64
	results    atomic.Uint64
	statusQ    atomic.Uint64
	joins      atomic.Uint64
	heartbeats atomic.Uint64
	gossips    atomic.Uint64
	messages   atomic.Uint64
	proposals  atomic.Uint64
	voteReqs   atomic.Uint64
}

func NewServer(selfID string, clk *clock.Clock, s *sched.Scheduler, g *gossip.Coordinator,
	m *health.Monitor, c *health.Consensus, b *causal.Buffer, cli *transport.Client) *Server {
	return &Server{
		selfID:    selfID,
		clk:       clk,
		scheduler: s,
		coord:     g,
		monitor:   m,
		votes:     c,
		buffer:    b,
		cli:       cli,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// External client-facing endpoints.
	mux.HandleFunc("/job/submit", s.handleSubmitJob)
	mux.HandleFunc("/job/result", s.handleSubmitResult)
	mux.HandleFunc("/job/status/", s.handleJobStatus)
	mux.HandleFunc("/emergency", s.handleEmergency)
	mux.HandleFunc("/emergency/clear", s.handleEmergencyClear)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/clock", s.handleClock)
	mux.HandleFunc("/peers", s.handlePeers)

	// Membership endpoints.
	mux.HandleFunc("/join", s.handleJoin)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)

	// Internal endpoints (gossip/causal delivery/consensus).
	mux.HandleFunc("/internal/gossip", s.handleInternalGossip)
	mux.HandleFunc("/internal/message", s.handleInternalMessage)
	mux.HandleFunc("/internal/proposal", s.handleInternalProposal)
	mux.HandleFunc("/internal/vote", s.handleInternalVote)

	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// errStatus maps the error taxonomy onto HTTP codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, fault.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	s.submits.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req SubmitJobRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, SubmitJobResponse{OK: false, Error: err.Error()})
		return
	}
	id, err := s.scheduler.Submit(req.Payload, req.Dependencies, causal.Class(req.Class), req.Weight, req.Cost)
	if err != nil {
		s.writeJSON(w, errStatus(err), SubmitJobResponse{OK: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, 200, SubmitJobResponse{OK: true, JobID: id})
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	s.results.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req SubmitResultRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, SubmitResultResponse{Error: err.Error()})
		return
	}
	submitter := req.Submitter
	if submitter == "" {
		submitter = "external"
	}
	accepted, err := s.scheduler.SubmitResult(req.JobID, req.Result, submitter)
	if err != nil {
		s.writeJSON(w, errStatus(err), SubmitResultResponse{Error: err.Error()})
		return
	}
	// A duplicate is a routine rejection: 200 with accepted=false.
	s.writeJSON(w, 200, SubmitResultResponse{Accepted: accepted})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	s.statusQ.Add(1)
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/job/status/")
	if strings.TrimSpace(id) == "" {
		s.writeJSON(w, 400, JobStatusResponse{Error: "job id required"})
		return
	}
	st, err := s.scheduler.GetJobStatus(id)
	if err != nil {
		s.writeJSON(w, 404, JobStatusResponse{JobID: id, Error: err.Error()})
		return
	}
	resp := JobStatusResponse{JobID: id, State: string(st)}
	if rec, ok := s.scheduler.GetResult(id); ok {
		resp.Result = rec.Result
	}
	s.writeJSON(w, 200, resp)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req EmergencyRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err := s.scheduler.SetEmergencyMode(req.Type, req.Level); err != nil {
		s.writeJSON(w, errStatus(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleEmergencyClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.scheduler.ClearEmergencyMode()
	s.writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"self":       s.selfID,
		"clock":      s.clk.Snapshot(),
		"scheduler":  s.scheduler.GetStats(),
		"gossip":     s.coord.GetStats(),
		"peers":      s.coord.PeerHealth(),
		"nodes":      s.monitor.Snapshot(),
		"reputation": s.votes.ReputationBands(),
		"causal":     s.buffer.GetStats(),
		"counters": map[string]uint64{
			"job_submit":        s.submits.Load(),
			"job_result":        s.results.Load(),
			"job_status":        s.statusQ.Load(),
			"join":              s.joins.Load(),
			"heartbeat":         s.heartbeats.Load(),
			"internal_gossip":   s.gossips.Load(),
			"internal_message":  s.messages.Load(),
			"internal_proposal": s.proposals.Load(),
			"internal_vote":     s.voteReqs.Load(),
		},
		"outbound": map[string]any{"chaos": chaosStats(s.cli)},
		"now_utc":  time.Now().UTC(),
	}
	s.writeJSON(w, 200, resp)
}

func chaosStats(c *transport.Client) any {
	if c == nil {
		return nil
	}
	return c.GetStats()
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, 200, s.clk.Snapshot())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, 200, s.coord.PeerHealth())
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	s.joins.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req JoinRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err := s.coord.RegisterPeer(req.ID, req.Address); err != nil {
		s.writeJSON(w, errStatus(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err := s.monitor.Register(req.ID); err != nil {
		s.writeJSON(w, errStatus(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.scheduler.RegisterExecutor(req.ID, req.Capability)
	// Respond with our current metadata snapshot.
	s.writeJSON(w, 200, s.coord.BuildSnapshot())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.heartbeats.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var hb health.Heartbeat
	if err := s.readJSON(r, &hb); err != nil {
		w.WriteHeader(400)
		return
	}
	if err := s.monitor.RecordHeartbeat(hb); err != nil {
		s.writeJSON(w, errStatus(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleInternalGossip(w http.ResponseWriter, r *http.Request) {
	s.gossips.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var md gossip.Metadata
	if err := s.readJSON(r, &md); err != nil {
		w.WriteHeader(400)
		return
	}
	if err := s.coord.MergeSnapshot(md); err != nil {
		s.writeJSON(w, errStatus(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	// Reply with our own snapshot so one round trip converges both sides.
	s.writeJSON(w, 200, s.coord.BuildSnapshot())
}

func (s *Server) handleInternalMessage(w http.ResponseWriter, r *http.Request) {
	s.messages.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg causal.Message
	if err := s.readJSON(r, &msg); err != nil {
		w.WriteHeader(400)
		return
	}
	if err := s.buffer.Receive(msg); err != nil {
		s.writeJSON(w, errStatus(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleInternalProposal(w http.ResponseWriter, r *http.Request) {
	s.proposals.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ProposalRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, ProposalResponse{OK: false, Error: err.Error()})
		return
	}
	id, err := s.votes.Propose(req.Proposer, req.Content)
	if err != nil {
		s.writeJSON(w, errStatus(err), ProposalResponse{OK: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, 200, ProposalResponse{OK: true, ProposalID: id})
}

func (s *Server) handleInternalVote(w http.ResponseWriter, r *http.Request) {
	s.voteReqs.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req VoteRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, VoteResponse{Error: err.Error()})
		return
	}
	recorded, err := s.votes.CastVote(req.ProposalID, req.Voter, req.Approve, req.Clock)
	if err != nil {
		s.writeJSON(w, errStatus(err), VoteResponse{Error: err.Error()})
		return
	}
	resp := VoteResponse{Recorded: recorded}
	if p, ok := s.votes.Get(req.ProposalID); ok {
		resp.Status = string(p.Status)
	}
	s.writeJSON(w, 200, resp)
}
