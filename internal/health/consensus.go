package health

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"taskmesh/internal/clock"
	"taskmesh/internal/fault"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

// Vote binds a voter to a choice and the voter's clock at vote time.
type Vote struct {
	Voter   string           `json:"voter"`
	Approve bool             `json:"approve"`
	Clock   map[string]int64 `json:"clock,omitempty"`
}

type Proposal struct {
	ID       string         `json:"id"`
	Proposer string         `json:"proposer"`
	Content  string         `json:"content"`
	Votes    []Vote         `json:"votes"`
	Status   ProposalStatus `json:"status"`
}

type ConsensusConfig struct {
	// MinVotes is the vote count required before a decision is made.
	MinVotes int
	// ApprovalFraction is the approval share needed among counted votes.
	ApprovalFraction float64
}

func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{MinVotes: 3, ApprovalFraction: 0.6}
}

// Consensus is reputation-weighted voting for critical decisions.
//
// Only trusted voters count once any exist; until then every voter counts.
// Voters who sided with the outcome gain reputation, so agreement compounds.
// This is a damping heuristic, not a Byzantine-safe protocol: a colluding
// trusted majority can still steer it.
type Consensus struct {
	cfg ConsensusConfig
	rep *ReputationTable
	clk *clock.Clock
	// eligible filters voters out of quorum math (confirmed-failed nodes).
	eligible func(voter string) bool

	mu        sync.Mutex
	proposals map[string]*Proposal
}

func NewConsensus(cfg ConsensusConfig, rep *ReputationTable, clk *clock.Clock, eligible func(string) bool) *Consensus {
	if cfg.MinVotes <= 0 {
		cfg.MinVotes = DefaultConsensusConfig().MinVotes
	}
	if cfg.ApprovalFraction <= 0 || cfg.ApprovalFraction > 1 {
		cfg.ApprovalFraction = DefaultConsensusConfig().ApprovalFraction
	}
	if eligible == nil {
		eligible = func(string) bool { return true }
	}
	return &Consensus{
		cfg:       cfg,
		rep:       rep,
		clk:       clk,
		eligible:  eligible,
		proposals: map[string]*Proposal{},
	}
}

// Propose opens a new proposal. Proposing is a local event.
func (c *Consensus) Propose(proposer, content string) (string, error) {
	if proposer == "" {
		return "", fmt.Errorf("%w: empty proposer", fault.ErrInvalidInput)
	}
	c.clk.Tick()
	p := &Proposal{
		ID:       uuid.NewString(),
		Proposer: proposer,
		Content:  content,
		Status:   ProposalPending,
	}
	c.mu.Lock()
	c.proposals[p.ID] = p
	c.mu.Unlock()
	return p.ID, nil
}

// CastVote records a vote and evaluates quorum. Votes on closed proposals
// and duplicate votes are routine rejections (false, nil); only an unknown
// proposal is an error.
func (c *Consensus) CastVote(proposalID, voter string, approve bool, voterClock map[string]int64) (bool, error) {
	if voter == "" {
		return false, fmt.Errorf("%w: empty voter", fault.ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[proposalID]
	if !ok {
		return false, fmt.Errorf("%w: unknown proposal %s", fault.ErrInvalidInput, proposalID)
	}
	if p.Status != ProposalPending {
		return false, nil
	}
	for _, v := range p.Votes {
		if v.Voter == voter {
			return false, nil
		}
	}

	p.Votes = append(p.Votes, Vote{Voter: voter, Approve: approve, Clock: voterClock})
	c.evaluateLocked(p)
	return true, nil
}

// evaluateLocked applies the quorum rule and, on decision, rewards the
// voters who formed the outcome.
func (c *Consensus) evaluateLocked(p *Proposal) {
	trusted := map[string]struct{}{}
	for _, id := range c.rep.Trusted() {
		trusted[id] = struct{}{}
	}

	counted := make([]Vote, 0, len(p.Votes))
	for _, v := range p.Votes {
		if !c.eligible(v.Voter) {
			continue
		}
		if len(trusted) > 0 {
			if _, ok := trusted[v.Voter]; !ok {
				continue
			}
		}
		counted = append(counted, v)
	}
	if len(counted) < c.cfg.MinVotes {
		return
	}

	approvals := 0
	for _, v := range counted {
		if v.Approve {
			approvals++
		}
	}
	accepted := float64(approvals) >= c.cfg.ApprovalFraction*float64(len(counted))
	if accepted {
		p.Status = ProposalAccepted
	} else {
		p.Status = ProposalRejected
	}
	log.Printf("consensus: proposal decided id=%s status=%s approvals=%d/%d",
		p.ID, p.Status, approvals, len(counted))

	for _, v := range counted {
		if v.Approve == accepted {
			c.rep.Reward(v.Voter)
		}
	}
}

// ReputationBands exposes the voter classification for status queries.
func (c *Consensus) ReputationBands() map[string]Band {
	return c.rep.Bands()
}

// Get returns a copy of a proposal.
func (c *Consensus) Get(proposalID string) (Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[proposalID]
	if !ok {
		return Proposal{}, false
	}
	cp := *p
	cp.Votes = append([]Vote(nil), p.Votes...)
	return cp, true
}
