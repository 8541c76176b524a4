package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"taskmesh/internal/domain"
	"taskmesh/internal/router"
)

// Echo returns the task payload as its result.
func Echo(_ context.Context, t domain.Task) (json.RawMessage, error) {
	return t.Payload, nil
}

type routedResult struct {
	Output    json.RawMessage          `json:"output"`
	Provider  string                   `json:"provider"`
	Cost      float64                  `json:"cost_weight"`
	Fallbacks []domain.ProviderFailure `json:"fallbacks,omitempty"`
}

// Routed runs tasks through the model router's chain for their type.
func Routed(r *router.Router) Handler {
	return func(ctx context.Context, t domain.Task) (json.RawMessage, error) {
		if len(t.Payload) == 0 || t.Payload[0] != '{' || !json.Valid(t.Payload) {
			return nil, Fatal(errors.New("payload must be a JSON object"))
		}
		res, err := r.Invoke(ctx, t.Type, t.Payload)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, Fatal(err)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(routedResult{
			Output:    res.Output,
			Provider:  res.Provider,
			Cost:      res.Cost,
			Fallbacks: res.Failures,
		})
	}
}

// Handlers builds the handler table for a worker: echo plus every routed type.
func Handlers(r *router.Router) map[string]Handler {
	hs := map[string]Handler{"echo": Echo}
	if r == nil {
		return hs
	}
	routed := Routed(r)
	for _, typ := range r.TaskTypes() {
		hs[typ] = routed
	}
	return hs
}
