// Package agents resolves per-session agent profiles: the prompt, voice and
// model parameters that seed an upstream conversation.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loqalabs/loqa-bridge/internal/config"
)

// ErrProfileNotFound means the backend has no agent for the given identifier.
var ErrProfileNotFound = errors.New("agent profile not found")

// Profile is one agent's session configuration.
type Profile struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Voice        string `json:"voice"`
	Model        string `json:"model"`
	SpeakFirst   bool   `json:"speak_first"`
	Greeting     string `json:"greeting"`
}

// Resolver looks up agent profiles by identifier.
type Resolver interface {
	Resolve(ctx context.Context, agentID string) (Profile, error)
}

// NewResolver builds a resolver for the configured mode.
func NewResolver(cfg config.AgentsConfig) (Resolver, error) {
	switch cfg.Mode {
	case "static":
		return &staticResolver{cfg: cfg}, nil
	case "http":
		return newHTTPResolver(cfg)
	default:
		return nil, fmt.Errorf("unknown agents mode %q", cfg.Mode)
	}
}

// staticResolver serves the same configured profile for every agent ID.
type staticResolver struct {
	cfg config.AgentsConfig
}

func (r *staticResolver) Resolve(_ context.Context, agentID string) (Profile, error) {
	if strings.TrimSpace(agentID) == "" {
		return Profile{}, ErrProfileNotFound
	}
	return Profile{
		AgentID:      agentID,
		Name:         "default",
		SystemPrompt: r.cfg.SystemPrompt,
		Voice:        r.cfg.Voice,
		Model:        r.cfg.Model,
		SpeakFirst:   r.cfg.SpeakFirst,
		Greeting:     r.cfg.Greeting,
	}, nil
}

// httpResolver fetches profiles from a config backend and caches them.
type httpResolver struct {
	endpoint string
	client   *http.Client
	cache    *lru.Cache[string, cachedProfile]
	ttl      time.Duration
	clock    func() time.Time
}

type cachedProfile struct {
	profile Profile
	fetched time.Time
}

func newHTTPResolver(cfg config.AgentsConfig) (*httpResolver, error) {
	cache, err := lru.New[string, cachedProfile](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	return &httpResolver{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		cache:    cache,
		ttl:      time.Duration(cfg.CacheTTL) * time.Second,
		clock:    time.Now,
	}, nil
}

func (r *httpResolver) Resolve(ctx context.Context, agentID string) (Profile, error) {
	if strings.TrimSpace(agentID) == "" {
		return Profile{}, ErrProfileNotFound
	}

	if entry, ok := r.cache.Get(agentID); ok {
		if r.ttl <= 0 || r.clock().Sub(entry.fetched) < r.ttl {
			return entry.profile, nil
		}
		r.cache.Remove(agentID)
	}

	url := fmt.Sprintf("%s/agents/%s", r.endpoint, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch agent profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Profile{}, ErrProfileNotFound
	}
	if resp.StatusCode >= 300 {
		return Profile{}, fmt.Errorf("agent backend returned status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, fmt.Errorf("read agent profile: %w", err)
	}
	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return Profile{}, fmt.Errorf("decode agent profile: %w", err)
	}
	if profile.AgentID == "" {
		profile.AgentID = agentID
	}

	r.cache.Add(agentID, cachedProfile{profile: profile, fetched: r.clock()})
	return profile, nil
}
