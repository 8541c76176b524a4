package ports

import (
	"context"
	"encoding/json"
)

// Provider is one external model invocation backend.
type Provider interface {
	ID() string
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}
