package tracker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a tracked generation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusPolling   Status = "polling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Generation tracks one invocation of the long-running screen generation
// tool. Mutated only by its owning Tracker.
type Generation struct {
	Id          string
	ProjectId   string
	Prompt      string
	DeviceType  string
	ModelId     string
	Status      Status
	Baseline    map[string]bool
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      json.RawMessage
	Err         string
}

// Info is the read-only projection served by the generation_status and
// list_generations virtual tools.
type Info struct {
	Id          string `json:"id"`
	ProjectId   string `json:"projectId"`
	Prompt      string `json:"prompt"`
	Status      Status `json:"status"`
	CreatedAt   string `json:"createdAt"`
	CompletedAt string `json:"completedAt,omitempty"`
	Elapsed     string `json:"elapsed"`
	Error       string `json:"error,omitempty"`
}

func (g *Generation) info(now time.Time) *Info {
	prompt := g.Prompt
	if len(prompt) > 80 {
		prompt = prompt[:80] + "..."
	}
	end := now
	if !g.CompletedAt.IsZero() {
		end = g.CompletedAt
	}
	info := &Info{
		Id:        g.Id,
		ProjectId: g.ProjectId,
		Prompt:    prompt,
		Status:    g.Status,
		CreatedAt: g.CreatedAt.UTC().Format(time.RFC3339),
		Elapsed:   fmt.Sprintf("%.1fs", end.Sub(g.CreatedAt).Seconds()),
		Error:     g.Err,
	}
	if !g.CompletedAt.IsZero() {
		info.CompletedAt = g.CompletedAt.UTC().Format(time.RFC3339)
	}
	return info
}

func (g *Generation) done() bool {
	return g.Status == StatusCompleted || g.Status == StatusFailed
}
