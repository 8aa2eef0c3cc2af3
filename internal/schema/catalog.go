package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/OnboardPipe/internal/expression"
	"github.com/BTreeMap/OnboardPipe/internal/fields"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// ErrMultipleDefaults is returned in strict mode when more than one flow claims to be the
// default for new users.
var ErrMultipleDefaults = errors.New("more than one flow is default for new users")

// Flow is a validated flow definition with its compiled alias graph.
type Flow struct {
	*models.FlowDefinition
	Aliases *fields.AliasGraph
}

// Compile wraps def with the alias graph built from the default groups plus the flow's own.
func Compile(def *models.FlowDefinition) *Flow {
	groups := append(fields.DefaultAliasGroups(), def.Config.FieldAliases...)
	return &Flow{FlowDefinition: def, Aliases: fields.NewAliasGraph(groups...)}
}

// Opts configures a Catalog.
type Opts struct {
	Tools            ToolLookup
	Evaluator        *expression.Evaluator
	CanonicalDefault string
	Strict           bool
}

// Option is a functional option for configuring a Catalog.
type Option func(*Opts)

// WithToolLookup rejects flows whose actions name unregistered tools.
func WithToolLookup(tools ToolLookup) Option {
	return func(o *Opts) { o.Tools = tools }
}

// WithEvaluator rejects flows whose expressions do not compile.
func WithEvaluator(ev *expression.Evaluator) Option {
	return func(o *Opts) { o.Evaluator = ev }
}

// WithCanonicalDefault sets the slug preferred when several flows claim to be default.
func WithCanonicalDefault(slug string) Option {
	return func(o *Opts) { o.CanonicalDefault = slug }
}

// WithStrict makes Reload fail on any invalid flow or duplicate default instead of
// skipping or downgrading.
func WithStrict(strict bool) Option {
	return func(o *Opts) { o.Strict = strict }
}

// Catalog caches compiled flows loaded from a Source. It is owned by the composition root
// and refreshed only through Reload or Invalidate.
type Catalog struct {
	source Source
	opts   Opts

	mu          sync.RWMutex
	loaded      bool
	flows       map[string]*Flow
	defaultSlug string
}

// NewCatalog creates a Catalog; nothing is loaded until first use or Reload.
func NewCatalog(source Source, opts ...Option) *Catalog {
	c := &Catalog{source: source}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// Validate checks def against the same tools and expression compiler used by Reload.
func (c *Catalog) Validate(def *models.FlowDefinition) error {
	return Validate(def, c.opts.Tools, c.opts.Evaluator)
}

// Invalidate drops the cache; the next lookup reloads from the source.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.flows = nil
	c.defaultSlug = ""
	c.mu.Unlock()
	slog.Debug("Catalog.Invalidate: flow cache invalidated")
}

// Reload replaces the cache with the source's current flows.
func (c *Catalog) Reload(ctx context.Context) error {
	defs, err := c.source.ListFlowDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load flow definitions: %w", err)
	}

	flows := make(map[string]*Flow, len(defs))
	for _, def := range defs {
		if err := Validate(def, c.opts.Tools, c.opts.Evaluator); err != nil {
			if c.opts.Strict {
				return err
			}
			slog.Error("Catalog.Reload: skipping invalid flow", "error", err)
			continue
		}
		if _, dup := flows[def.Slug]; dup {
			slog.Warn("Catalog.Reload: duplicate flow slug, keeping the later definition", "flowID", def.Slug)
		}
		flows[def.Slug] = Compile(def)
	}

	defaultSlug, err := c.resolveDefault(flows)
	if err != nil {
		return err
	}
	c.checkSuccessors(flows)

	c.mu.Lock()
	c.flows = flows
	c.defaultSlug = defaultSlug
	c.loaded = true
	c.mu.Unlock()
	slog.Info("Catalog.Reload: flows loaded", "count", len(flows), "default", defaultSlug)
	return nil
}

// resolveDefault enforces exactly one default flow. Duplicates are downgraded, preferring
// the canonical slug and then the lexicographically first slug.
func (c *Catalog) resolveDefault(flows map[string]*Flow) (string, error) {
	var claims []string
	for slug, f := range flows {
		if f.Config.IsDefaultForNewUsers {
			claims = append(claims, slug)
		}
	}
	sort.Strings(claims)
	switch len(claims) {
	case 0:
		return "", nil
	case 1:
		return claims[0], nil
	}
	if c.opts.Strict {
		return "", fmt.Errorf("%w: %v", ErrMultipleDefaults, claims)
	}

	winner := claims[0]
	for _, slug := range claims {
		if slug == c.opts.CanonicalDefault {
			winner = slug
			break
		}
	}
	for _, slug := range claims {
		if slug == winner {
			continue
		}
		// Downgrade on a copy; the source definition stays untouched.
		downgraded := *flows[slug].FlowDefinition
		downgraded.Config.IsDefaultForNewUsers = false
		flows[slug] = &Flow{FlowDefinition: &downgraded, Aliases: flows[slug].Aliases}
		slog.Warn("Catalog.resolveDefault: downgraded duplicate default flow", "flowID", slug, "default", winner)
	}
	return winner, nil
}

func (c *Catalog) checkSuccessors(flows map[string]*Flow) {
	for slug, f := range flows {
		if f.Config.OnComplete == nil {
			continue
		}
		if _, found := flows[f.Config.OnComplete.StartFlowSlug]; !found {
			slog.Error("Catalog.checkSuccessors: onComplete names an unknown flow", "flowID", slug, "successor", f.Config.OnComplete.StartFlowSlug)
		}
	}
}

func (c *Catalog) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Reload(ctx)
}

// Get returns the flow with slug.
func (c *Catalog) Get(ctx context.Context, slug string) (*Flow, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, found := c.flows[slug]
	if !found {
		return nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, slug)
	}
	return f, nil
}

// Default returns the flow new users start in, or models.ErrNoFlowAvailable.
func (c *Catalog) Default(ctx context.Context) (*Flow, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.defaultSlug == "" {
		return nil, models.ErrNoFlowAvailable
	}
	return c.flows[c.defaultSlug], nil
}

// List returns every cached flow ordered by slug.
func (c *Catalog) List(ctx context.Context) ([]*Flow, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Flow, 0, len(c.flows))
	for _, f := range c.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
