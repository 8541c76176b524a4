package api

import (
	"encoding/json"
	"taskmesh/internal/domain"
	"time"
)

type submitReq struct {
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	TargetAffinity *string         `json:"target_affinity"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}

type submitResp struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskView is the wire form of a task snapshot.
type TaskView struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Status      domain.TaskStatus  `json:"status"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	Priority    int                `json:"priority"`
	Affinity    string             `json:"affinity"`
	ClaimedBy   *string            `json:"claimed_by"`
	ClaimedAt   *time.Time         `json:"claimed_at"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	Result      json.RawMessage    `json:"result"`
	Error       *domain.TaskError  `json:"error"`
	Errors      []domain.TaskError `json:"errors"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func taskView(t domain.Task, withPayload bool) TaskView {
	v := TaskView{
		ID:          t.ID,
		Type:        t.Type,
		Status:      t.Status,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		Priority:    t.Priority,
		Affinity:    t.Affinity,
		ClaimedAt:   t.ClaimedAt,
		Result:      t.Result,
		Error:       t.Error,
		Errors:      t.Errors,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.ClaimedBy != "" {
		v.ClaimedBy = &t.ClaimedBy
	}
	if v.Errors == nil {
		v.Errors = []domain.TaskError{}
	}
	if withPayload {
		v.Payload = t.Payload
	}
	return v
}

func (v TaskView) task() domain.Task {
	t := domain.Task{
		ID:          v.ID,
		Type:        v.Type,
		Payload:     v.Payload,
		Priority:    v.Priority,
		Affinity:    v.Affinity,
		Status:      v.Status,
		Attempts:    v.Attempts,
		MaxAttempts: v.MaxAttempts,
		ClaimedAt:   v.ClaimedAt,
		Result:      v.Result,
		Error:       v.Error,
		Errors:      v.Errors,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
	if v.ClaimedBy != nil {
		t.ClaimedBy = *v.ClaimedBy
	}
	return t
}

type heartbeatReq struct {
	NodeID      string   `json:"node_id"`
	Tags        []string `json:"tags"`
	CPU         float64  `json:"cpu"`
	Memory      float64  `json:"memory"`
	ActiveTasks int      `json:"active_tasks"`
}

type heartbeatResp struct {
	Acknowledged bool `json:"acknowledged"`
}

type nodeView struct {
	Status        domain.NodeStatus `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CPU           float64           `json:"cpu"`
	Memory        float64           `json:"memory"`
	ActiveTasks   int               `json:"active_tasks"`
	Tags          []string          `json:"tags"`
}

type nodeReq struct {
	NodeID string `json:"node_id"`
}

type resultReq struct {
	NodeID  string            `json:"node_id"`
	Success bool              `json:"success"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *domain.TaskError `json:"error,omitempty"`
}

type releaseReq struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

type healthResp struct {
	Store           string           `json:"store"`
	StoreError      string           `json:"store_error,omitempty"`
	PendingTasks    int64            `json:"pending_tasks"`
	RegisteredNodes int              `json:"registered_nodes"`
	TasksByStatus   map[string]int64 `json:"tasks_by_status,omitempty"`
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
