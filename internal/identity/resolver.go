// Package identity maps change-author identities to ticketing-system
// accounts through a prioritized lookup chain backed by a TTL cache.
// An exhausted chain is a valid terminal outcome, not an error: callers fall
// back to the configured default assignee and raise an operational alarm.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// AccountDirectory looks up ticketing-system accounts by identifier.
// Implemented by the ticketing client; calls go through the gateway.
// A lookup that finds nothing returns ("", nil).
type AccountDirectory interface {
	SearchAccount(ctx context.Context, identifier string) (string, error)
}

// Resolution is the outcome of an identity lookup. Method is
// AssignUnresolved when the whole chain came up empty; callers must treat
// that as a valid result, not an error.
type Resolution struct {
	AccountID string
	Method    workflow.AssignmentMethod
}

// Unresolved reports whether the chain found no account.
func (r Resolution) Unresolved() bool {
	return r.Method == workflow.AssignUnresolved
}

// Resolver resolves author identities through the ordered chain:
// cache, direct lookup, derived identifier, static mapping, component
// ownership, default assignee. First success wins; successful external
// lookups are written back to the cache before returning.
type Resolver struct {
	cfg       config.IdentityConfig
	cache     *Cache
	directory AccountDirectory
	logger    *logging.Logger

	// ownership rules sorted longest-prefix-first so the most specific
	// component owner wins.
	ownership []config.OwnershipRule
}

// NewResolver creates a resolver. directory may be nil in tests; the
// external lookup steps are then skipped.
func NewResolver(cfg config.IdentityConfig, cache *Cache, directory AccountDirectory, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	rules := make([]config.OwnershipRule, len(cfg.Ownership))
	copy(rules, cfg.Ownership)
	sort.SliceStable(rules, func(a, b int) bool {
		return len(rules[a].PathPrefix) > len(rules[b].PathPrefix)
	})
	return &Resolver{
		cfg:       cfg,
		cache:     cache,
		directory: directory,
		logger:    logger.Named("identity"),
		ownership: rules,
	}
}

// Resolve maps an author identity to a ticketing account. changedPaths feed
// the component-ownership step. Lookup failures along the chain are absorbed
// with a warning; only a fully exhausted chain yields AssignUnresolved.
func (r *Resolver) Resolve(ctx context.Context, author workflow.AuthorIdentity, changedPaths []string) Resolution {
	key := r.lookupKey(author)

	// 1. Cache. A hit performs no external call.
	if e, ok := r.cache.Get(key); ok {
		return Resolution{AccountID: e.AccountID, Method: workflow.AssignCache}
	}

	// 2. Direct lookup by primary contact identifier.
	if account := r.search(ctx, key); account != "" {
		r.cache.Set(key, account, workflow.AssignDirect)
		return Resolution{AccountID: account, Method: workflow.AssignDirect}
	}

	// 3. Derived identifier from the username pattern.
	if r.cfg.UsernamePattern != "" && author.Username != "" {
		derived := fmt.Sprintf(r.cfg.UsernamePattern, author.Username)
		if account := r.search(ctx, derived); account != "" {
			r.cache.Set(key, account, workflow.AssignDerived)
			return Resolution{AccountID: account, Method: workflow.AssignDerived}
		}
	}

	// 4. Static mapping table.
	if account := r.staticLookup(author); account != "" {
		r.cache.Set(key, account, workflow.AssignStaticMap)
		return Resolution{AccountID: account, Method: workflow.AssignStaticMap}
	}

	// 5. Component ownership by changed paths.
	if account := r.ownershipLookup(changedPaths); account != "" {
		r.cache.Set(key, account, workflow.AssignOwnership)
		return Resolution{AccountID: account, Method: workflow.AssignOwnership}
	}

	// 6. Configured default assignee.
	if r.cfg.DefaultAssignee != "" {
		return Resolution{AccountID: r.cfg.DefaultAssignee, Method: workflow.AssignDefault}
	}

	r.logger.Warn(ctx, "identity resolution exhausted all steps",
		zap.String("username", author.Username),
	)
	return Resolution{Method: workflow.AssignUnresolved}
}

// lookupKey picks the primary contact identifier for cache and direct lookup.
func (r *Resolver) lookupKey(author workflow.AuthorIdentity) string {
	if author.Email != "" {
		return author.Email
	}
	return author.Username
}

// search runs an external account lookup, absorbing failures as misses.
func (r *Resolver) search(ctx context.Context, identifier string) string {
	if r.directory == nil || identifier == "" {
		return ""
	}
	account, err := r.directory.SearchAccount(ctx, identifier)
	if err != nil {
		r.logger.Warn(ctx, "account lookup failed, continuing resolution chain",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return ""
	}
	return account
}

func (r *Resolver) staticLookup(author workflow.AuthorIdentity) string {
	if account, ok := r.cfg.StaticMap[author.Username]; ok {
		return account
	}
	if author.Email != "" {
		if account, ok := r.cfg.StaticMap[author.Email]; ok {
			return account
		}
	}
	return ""
}

func (r *Resolver) ownershipLookup(changedPaths []string) string {
	for _, rule := range r.ownership {
		for _, p := range changedPaths {
			if strings.HasPrefix(p, rule.PathPrefix) {
				return rule.Assignee
			}
		}
	}
	return ""
}
