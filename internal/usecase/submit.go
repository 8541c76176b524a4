package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"taskmesh/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Policy holds the gateway's submission rules.
type Policy struct {
	TaskTypes          []string
	MinPriority        int
	MaxPriority        int
	DefaultMaxAttempts int
}

type Submission struct {
	Type        string
	Payload     json.RawMessage
	Priority    int
	Affinity    string
	MaxAttempts int
}

func (p Policy) validate(s *Submission) error {
	if s.Type == "" {
		return domain.ValidationError("task_type is required")
	}
	if !slices.Contains(p.TaskTypes, s.Type) {
		return domain.ValidationError("unknown task_type %q", s.Type)
	}
	if s.Priority < p.MinPriority || s.Priority > p.MaxPriority {
		return domain.ValidationError("priority %d outside [%d, %d]", s.Priority, p.MinPriority, p.MaxPriority)
	}
	if s.MaxAttempts < 0 {
		return domain.ValidationError("max_attempts must not be negative")
	}

	payload := bytes.TrimSpace(s.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	if payload[0] != '{' || !json.Valid(payload) {
		return domain.ValidationError("payload must be a JSON object")
	}
	s.Payload = payload

	if s.Affinity == "" {
		s.Affinity = domain.AffinityAny
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = p.DefaultMaxAttempts
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 3
	}
	return nil
}

// SubmitTask records a new pending task and queues its reference.
// Nothing is written when the submission is invalid.
func (g *Gateway) SubmitTask(ctx context.Context, s Submission) (domain.Task, error) {
	if err := g.Policy.validate(&s); err != nil {
		return domain.Task{}, err
	}

	t, err := g.Ledger.Create(ctx, domain.Task{
		ID:          uuid.NewString(),
		Type:        s.Type,
		Payload:     s.Payload,
		Priority:    s.Priority,
		Affinity:    s.Affinity,
		MaxAttempts: s.MaxAttempts,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := g.enqueue(ctx, t.Ref(), g.Queue.Enqueue); err != nil {
		return domain.Task{}, err
	}

	g.Metrics.Submitted(t.Type, t.Affinity)
	log.Ctx(ctx).Info().
		Str("task", t.ID).
		Str("type", t.Type).
		Int("priority", t.Priority).
		Str("affinity", t.Affinity).
		Msg("task submitted")
	return t, nil
}
