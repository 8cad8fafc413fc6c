package api

// External client API

type SubmitJobRequest struct {
	Payload      string   `json:"payload"`
	Dependencies []string `json:"dependencies,omitempty"`
	Class        string   `json:"class,omitempty"` // normal | emergency
	Weight       int      `json:"weight,omitempty"`
	Cost         int      `json:"cost,omitempty"`
}

type SubmitJobResponse struct {
	OK    bool   `json:"ok"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

type SubmitResultRequest struct {
	JobID     string `json:"job_id"`
	Result    string `json:"result"`
	Submitter string `json:"submitter"`
}

type SubmitResultResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type JobStatusResponse struct {
	JobID  string `json:"job_id"`
	State  string `json:"state,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type EmergencyRequest struct {
	Type  string `json:"type"`
	Level string `json:"level"`
}

// Membership / coordination

type JoinRequest struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	Capability int    `json:"capability,omitempty"`
}

// Consensus

type ProposalRequest struct {
	Proposer string `json:"proposer"`
	Content  string `json:"content"`
}

type ProposalResponse struct {
	OK         bool   `json:"ok"`
	ProposalID string `json:"proposal_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type VoteRequest struct {
	ProposalID string           `json:"proposal_id"`
	Voter      string           `json:"voter"`
	Approve    bool             `json:"approve"`
	Clock      map[string]int64 `json:"clock,omitempty"`
}

type VoteResponse struct {
	Recorded bool   `json:"recorded"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}
