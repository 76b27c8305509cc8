package server

import (
	"listkeeper/internal/domain"
	"listkeeper/internal/engine"
)

// Request payloads

type ReviewRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes,omitempty"`
	Actor   string `json:"actor,omitempty"`
}

type RunRequest struct {
	UpdatedSince string `json:"updated_since,omitempty" format:"date-time"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	Source       string `json:"source,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	AutoApply    bool   `json:"auto_apply,omitempty"`
	Actor        string `json:"actor,omitempty"`
}

type ExecuteRequest struct {
	Confirm bool   `json:"confirm"`
	Actor   string `json:"actor,omitempty"`
}

// Response bodies

type CandidateListResponse struct {
	Candidates []domain.ReviewCandidate `json:"candidates"`
}

type ActionPreviewResponse struct {
	Actions []domain.PendingAction `json:"actions"`
}

type LogListResponse struct {
	Logs []domain.CleaningLog `json:"logs"`
}

type StatusResponse struct {
	Status engine.Status `json:"status"`
}
