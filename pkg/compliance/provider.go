package compliance

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// ListProvider flags subjects found in a static list. Matching ignores case
// and surrounding whitespace, which covers hex addresses.
type ListProvider struct {
	flagged map[string]struct{}
}

func NewListProvider(subjects ...string) *ListProvider {
	p := &ListProvider{flagged: make(map[string]struct{}, len(subjects))}
	for _, s := range subjects {
		p.flagged[normalize(s)] = struct{}{}
	}
	return p
}

type listFile struct {
	Flagged []string `yaml:"flagged"`
}

// LoadListFile reads `flagged: [...]` from a YAML file.
func LoadListFile(path string) (*ListProvider, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read screening list: %w", err)
	}
	var f listFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse screening list: %w", err)
	}
	return NewListProvider(f.Flagged...), nil
}

func (p *ListProvider) Screen(_ context.Context, subject string) (Verdict, error) {
	if _, ok := p.flagged[normalize(subject)]; ok {
		return VerdictFlag, nil
	}
	return VerdictPass, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CachedProvider remembers verdicts in Redis for ttl. Flags and passes are
// both cached; cache errors fall through to the provider.
type CachedProvider struct {
	next   Provider
	client redis.UniversalClient
	ttl    time.Duration
}

func NewCachedProvider(next Provider, client redis.UniversalClient, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, client: client, ttl: ttl}
}

func (c *CachedProvider) Screen(ctx context.Context, subject string) (Verdict, error) {
	key := "screen:" + normalize(subject)
	if v, err := c.client.Get(ctx, key).Result(); err == nil {
		return Verdict(v), nil
	}
	v, err := c.next.Screen(ctx, subject)
	if err != nil {
		return "", err
	}
	_ = c.client.Set(ctx, key, string(v), c.ttl).Err()
	return v, nil
}
