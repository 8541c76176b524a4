package router

import (
	"fmt"
	"net/http"
	"os"
	"taskmesh/internal/domain"

	"gopkg.in/yaml.v3"
)

// File is the on-disk route definition.
//
//	providers:
//	  - id: small
//	    kind: http
//	    url: http://llm-small:9000/v1/invoke
//	routes:
//	  summarize:
//	    - {provider: small, cost_weight: 0.1, timeout: 5s}
type File struct {
	Providers []ProviderSpec   `yaml:"providers"`
	Routes    map[string]Route `yaml:"routes"`
}

type ProviderSpec struct {
	ID      string            `yaml:"id"`
	Kind    string            `yaml:"kind"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	return &f, nil
}

// Build registers every provider of f on a new router and installs its routes.
func Build(f *File, client *http.Client) (*Router, error) {
	r := New()
	for _, ps := range f.Providers {
		switch ps.Kind {
		case "echo":
			r.Register(Echo(ps.ID))
		case "http", "":
			if ps.URL == "" {
				return nil, domain.ValidationError("provider %s has no url", ps.ID)
			}
			r.Register(&HTTPProvider{Name: ps.ID, URL: ps.URL, Headers: ps.Headers, Client: client})
		default:
			return nil, domain.ValidationError("provider %s: unknown kind %q", ps.ID, ps.Kind)
		}
	}
	for taskType, route := range f.Routes {
		if err := r.SetRoute(taskType, route); err != nil {
			return nil, err
		}
	}
	return r, nil
}
