// Package projects resolves API keys to the tenant project a request is
// billed to. Project administration lives outside the gateway; this package
// only reads.
package projects

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a key or project does not resolve.
var ErrNotFound = errors.New("project not found")

// Project is a billing tenant with optional monthly ceilings.
// A nil or zero limit means the dimension is unlimited.
type Project struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	MonthlyTokenLimit *int64   `json:"monthly_token_limit,omitempty" yaml:"monthly_token_limit"`
	MonthlyCostLimit  *float64 `json:"monthly_cost_limit,omitempty" yaml:"monthly_cost_limit"`
}

// APIKey identifies the credential a request was made with.
type APIKey struct {
	ID        string
	ProjectID string
	UserID    string
}

// Resolver looks up projects by credential or id.
type Resolver interface {
	ResolveAPIKey(ctx context.Context, rawKey string) (*Project, *APIKey, error)
	Get(ctx context.Context, projectID string) (*Project, error)
}

// KeyConfig declares one API key for the static resolver. Exactly one of
// Key or KeyHash is set; KeyHash is the hex sha256 of the raw key.
type KeyConfig struct {
	ID        string `yaml:"id"`
	ProjectID string `yaml:"project_id"`
	UserID    string `yaml:"user_id"`
	Key       string `yaml:"key"`
	KeyHash   string `yaml:"key_hash"`
}

// StaticResolver serves projects and keys loaded from configuration.
// It is immutable after construction.
type StaticResolver struct {
	projects map[string]*Project
	keys     map[string]*APIKey // by sha256 hex
}

// NewStaticResolver validates and indexes the configured projects and keys.
func NewStaticResolver(projects []Project, keys []KeyConfig) (*StaticResolver, error) {
	r := &StaticResolver{
		projects: make(map[string]*Project, len(projects)),
		keys:     make(map[string]*APIKey, len(keys)),
	}

	for i := range projects {
		p := projects[i]
		if p.ID == "" {
			return nil, fmt.Errorf("projects[%d]: id is required", i)
		}
		if _, dup := r.projects[p.ID]; dup {
			return nil, fmt.Errorf("projects[%d]: duplicate id %q", i, p.ID)
		}
		if p.MonthlyTokenLimit != nil && *p.MonthlyTokenLimit < 0 {
			return nil, fmt.Errorf("projects[%d]: monthly_token_limit must not be negative", i)
		}
		if p.MonthlyCostLimit != nil && *p.MonthlyCostLimit < 0 {
			return nil, fmt.Errorf("projects[%d]: monthly_cost_limit must not be negative", i)
		}
		r.projects[p.ID] = &p
	}

	for i, k := range keys {
		if _, ok := r.projects[k.ProjectID]; !ok {
			return nil, fmt.Errorf("api_keys[%d]: unknown project %q", i, k.ProjectID)
		}
		hash := strings.ToLower(strings.TrimSpace(k.KeyHash))
		if hash == "" {
			if k.Key == "" {
				return nil, fmt.Errorf("api_keys[%d]: key or key_hash is required", i)
			}
			hash = HashKey(k.Key)
		}
		if len(hash) != sha256.Size*2 {
			return nil, fmt.Errorf("api_keys[%d]: key_hash must be a hex sha256", i)
		}
		id := k.ID
		if id == "" {
			id = hash[:12]
		}
		r.keys[hash] = &APIKey{ID: id, ProjectID: k.ProjectID, UserID: k.UserID}
	}

	return r, nil
}

// ResolveAPIKey returns the project and key record for rawKey.
func (r *StaticResolver) ResolveAPIKey(_ context.Context, rawKey string) (*Project, *APIKey, error) {
	if rawKey == "" {
		return nil, nil, ErrNotFound
	}
	hash := HashKey(rawKey)

	var found *APIKey
	for stored, key := range r.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			found = key
		}
	}
	if found == nil {
		return nil, nil, ErrNotFound
	}
	p, ok := r.projects[found.ProjectID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	project := *p
	key := *found
	return &project, &key, nil
}

// Get returns the project with the given id.
func (r *StaticResolver) Get(_ context.Context, projectID string) (*Project, error) {
	p, ok := r.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	project := *p
	return &project, nil
}

// HashKey returns the hex sha256 of a raw API key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
