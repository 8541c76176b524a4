package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"taskmesh/internal/ports"
)

var (
	_ ports.Provider = (*HTTPProvider)(nil)
	_ ports.Provider = Func{}
)

// Func adapts a plain function to ports.Provider.
type Func struct {
	Name string
	Fn   func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (f Func) ID() string { return f.Name }

func (f Func) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f.Fn(ctx, input)
}

// Echo returns a provider whose output is its input.
func Echo(id string) Func {
	return Func{Name: id, Fn: func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		return in, nil
	}}
}

// HTTPProvider posts the input as JSON to an endpoint and returns the response body.
type HTTPProvider struct {
	Name    string
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (p *HTTPProvider) ID() string { return p.Name }

func (p *HTTPProvider) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("provider %s: status %d: %s", p.Name, resp.StatusCode, bytes.TrimSpace(body))
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("provider %s: response is not JSON", p.Name)
	}
	return body, nil
}
