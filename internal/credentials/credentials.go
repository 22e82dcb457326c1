// Package credentials fetches the secrets and account identifiers the relay
// needs for each request.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrMissing is returned when a named credential has no value.
var ErrMissing = errors.New("credential not found")

// Provider fetches a credential by name.
type Provider interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// Env resolves parameter-store style names against environment variables
// using the last path segment: "/app/prod/secrets/OPENAI_API_KEY" reads
// OPENAI_API_KEY.
type Env struct {
	Lookup func(key string) (string, bool)
}

func (e Env) Fetch(_ context.Context, name string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key := EnvName(name)
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s (env %s)", ErrMissing, name, key)
	}
	return v, nil
}

// EnvName returns the environment variable consulted for name.
func EnvName(name string) string {
	return strings.ReplaceAll(strings.ToUpper(path.Base(name)), "-", "_")
}

// Static serves credentials from a fixed map.
type Static map[string]string

func (s Static) Fetch(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, name)
	}
	return v, nil
}

// Names lists the credential names looked up for one request.
type Names struct {
	APIKey    string
	OrgID     string
	ProjectID string
}

// Set is the resolved credential set for one request.
type Set struct {
	APIKey    string
	OrgID     string
	ProjectID string
}

// Resolve fetches the API key and the optional organization and project ids
// concurrently. Only the API key is required.
func Resolve(ctx context.Context, p Provider, names Names) (Set, error) {
	var set Set
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		v, err := p.Fetch(gctx, names.APIKey)
		if err != nil {
			return fmt.Errorf("fetching API key: %w", err)
		}
		set.APIKey = v
		return nil
	})
	g.Go(func() error {
		v, err := fetchOptional(gctx, p, names.OrgID)
		if err != nil {
			return fmt.Errorf("fetching organization id: %w", err)
		}
		set.OrgID = v
		return nil
	})
	g.Go(func() error {
		v, err := fetchOptional(gctx, p, names.ProjectID)
		if err != nil {
			return fmt.Errorf("fetching project id: %w", err)
		}
		set.ProjectID = v
		return nil
	})

	if err := g.Wait(); err != nil {
		return Set{}, err
	}
	return set, nil
}

func fetchOptional(ctx context.Context, p Provider, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	v, err := p.Fetch(ctx, name)
	if errors.Is(err, ErrMissing) {
		return "", nil
	}
	return v, err
}

// Secrets returns the non-empty secret values in s, for redaction.
func (s Set) Secrets() []string {
	if s.APIKey == "" {
		return nil
	}
	return []string{s.APIKey}
}
