package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

type fakeDirectory struct {
	accounts map[string]string
	err      error
	calls    []string
}

func (f *fakeDirectory) SearchAccount(ctx context.Context, identifier string) (string, error) {
	f.calls = append(f.calls, identifier)
	if f.err != nil {
		return "", f.err
	}
	return f.accounts[identifier], nil
}

func author(username, email string) workflow.AuthorIdentity {
	return workflow.AuthorIdentity{Username: username, Email: email}
}

func TestResolver_DirectLookup(t *testing.T) {
	dir := &fakeDirectory{accounts: map[string]string{"dev@acme.test": "acct-1"}}
	r := NewResolver(config.IdentityConfig{}, NewCache(time.Minute), dir, nil)

	res := r.Resolve(context.Background(), author("dev", "dev@acme.test"), nil)
	assert.Equal(t, "acct-1", res.AccountID)
	assert.Equal(t, workflow.AssignDirect, res.Method)
	assert.Equal(t, []string{"dev@acme.test"}, dir.calls)
}

func TestResolver_CacheHitSkipsDirectory(t *testing.T) {
	dir := &fakeDirectory{accounts: map[string]string{"dev@acme.test": "acct-1"}}
	r := NewResolver(config.IdentityConfig{}, NewCache(time.Minute), dir, nil)

	first := r.Resolve(context.Background(), author("dev", "dev@acme.test"), nil)
	require.Equal(t, workflow.AssignDirect, first.Method)

	second := r.Resolve(context.Background(), author("dev", "dev@acme.test"), nil)
	assert.Equal(t, "acct-1", second.AccountID)
	assert.Equal(t, workflow.AssignCache, second.Method)
	assert.Len(t, dir.calls, 1, "cache hit must not call the directory")
}

func TestResolver_DerivedIdentifier(t *testing.T) {
	dir := &fakeDirectory{accounts: map[string]string{"dev@corp.example.com": "acct-2"}}
	cfg := config.IdentityConfig{UsernamePattern: "%s@corp.example.com"}
	r := NewResolver(cfg, NewCache(time.Minute), dir, nil)

	res := r.Resolve(context.Background(), author("dev", "personal@gmail.test"), nil)
	assert.Equal(t, "acct-2", res.AccountID)
	assert.Equal(t, workflow.AssignDerived, res.Method)
	// Direct lookup was tried first and missed.
	assert.Equal(t, []string{"personal@gmail.test", "dev@corp.example.com"}, dir.calls)
}

func TestResolver_StaticMap(t *testing.T) {
	cfg := config.IdentityConfig{
		StaticMap: map[string]string{"dev": "acct-static"},
	}
	r := NewResolver(cfg, NewCache(time.Minute), &fakeDirectory{}, nil)

	res := r.Resolve(context.Background(), author("dev", ""), nil)
	assert.Equal(t, "acct-static", res.AccountID)
	assert.Equal(t, workflow.AssignStaticMap, res.Method)
}

func TestResolver_StaticMapByEmail(t *testing.T) {
	cfg := config.IdentityConfig{
		StaticMap: map[string]string{"dev@acme.test": "acct-static"},
	}
	r := NewResolver(cfg, NewCache(time.Minute), nil, nil)

	res := r.Resolve(context.Background(), author("dev", "dev@acme.test"), nil)
	assert.Equal(t, "acct-static", res.AccountID)
	assert.Equal(t, workflow.AssignStaticMap, res.Method)
}

func TestResolver_OwnershipLongestPrefixWins(t *testing.T) {
	cfg := config.IdentityConfig{
		Ownership: []config.OwnershipRule{
			{PathPrefix: "internal/", Assignee: "acct-platform"},
			{PathPrefix: "internal/billing/", Assignee: "acct-billing"},
		},
	}
	r := NewResolver(cfg, NewCache(time.Minute), nil, nil)

	res := r.Resolve(context.Background(), author("ghost", ""),
		[]string{"internal/billing/invoice.go"})
	assert.Equal(t, "acct-billing", res.AccountID)
	assert.Equal(t, workflow.AssignOwnership, res.Method)

	res = r.Resolve(context.Background(), author("ghost2", ""),
		[]string{"internal/config/config.go"})
	assert.Equal(t, "acct-platform", res.AccountID)
}

func TestResolver_DefaultAssignee(t *testing.T) {
	cfg := config.IdentityConfig{DefaultAssignee: "acct-oncall"}
	r := NewResolver(cfg, NewCache(time.Minute), nil, nil)

	res := r.Resolve(context.Background(), author("ghost", ""), nil)
	assert.Equal(t, "acct-oncall", res.AccountID)
	assert.Equal(t, workflow.AssignDefault, res.Method)
	assert.False(t, res.Unresolved())
}

func TestResolver_ExhaustedChainIsUnresolved(t *testing.T) {
	r := NewResolver(config.IdentityConfig{}, NewCache(time.Minute), nil, nil)

	res := r.Resolve(context.Background(), author("ghost", ""), nil)
	assert.True(t, res.Unresolved())
	assert.Empty(t, res.AccountID)
}

func TestResolver_DirectoryErrorContinuesChain(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("tracker unavailable")}
	cfg := config.IdentityConfig{
		StaticMap: map[string]string{"dev": "acct-static"},
	}
	r := NewResolver(cfg, NewCache(time.Minute), dir, nil)

	res := r.Resolve(context.Background(), author("dev", "dev@acme.test"), nil)
	assert.Equal(t, "acct-static", res.AccountID)
	assert.Equal(t, workflow.AssignStaticMap, res.Method)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("dev@acme.test", "acct-1", workflow.AssignDirect)

	e, ok := c.Get("dev@acme.test")
	require.True(t, ok)
	assert.Equal(t, "acct-1", e.AccountID)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("dev@acme.test")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestCache_GetOrSet(t *testing.T) {
	c := NewCache(time.Minute)

	e, existed := c.GetOrSet("k", "acct-1", workflow.AssignDirect)
	assert.False(t, existed)
	assert.Equal(t, "acct-1", e.AccountID)

	e, existed = c.GetOrSet("k", "acct-2", workflow.AssignDerived)
	assert.True(t, existed)
	assert.Equal(t, "acct-1", e.AccountID, "existing live entry wins")
}
