package templates

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/JonMunkholm/factingest/internal/currency"
	"github.com/JonMunkholm/factingest/internal/logging"
)

// Resolver finds templates through a tiered fallback and caches the
// published set per (platform, domain). Save invalidates the cache.
type Resolver struct {
	store  Store
	strict map[string]bool

	mu    sync.RWMutex
	cache map[string][]Template
}

// NewResolver creates a resolver. strictDomains lists domains whose
// sub-domains carry incompatible header sets, so a lookup naming a
// sub-domain never falls back to another one.
func NewResolver(store Store, strictDomains []string) *Resolver {
	strict := make(map[string]bool, len(strictDomains))
	for _, d := range strictDomains {
		strict[dimension(d)] = true
	}
	return &Resolver{store: store, strict: strict, cache: make(map[string][]Template)}
}

// FindBestTemplate returns the newest published template for l.
//
// Level 1 matches platform, domain, granularity and sub-domain exactly,
// treating empty and absent as equal. Level 2 ignores the sub-domain,
// unless the domain is strict and a sub-domain was given. Granularity is
// never relaxed. ErrNotFound is returned when both levels miss.
func (r *Resolver) FindBestTemplate(ctx context.Context, l Lookup) (Template, error) {
	log := logging.WithFields(ctx, "platform", l.Platform, "domain", l.Domain,
		"granularity", l.Granularity, "sub_domain", l.SubDomain)
	l = l.normalized()

	published, err := r.published(ctx, l.Platform, l.Domain)
	if err != nil {
		return Template{}, err
	}

	for _, level := range r.levels(l) {
		for _, t := range published {
			if level.match(t) {
				log.Debug("template resolved", "level", level.name, "template_id", t.ID, "version", t.Version)
				return t, nil
			}
		}
		if level.name == "exact" && l.SubDomain != "" && r.strict[l.Domain] {
			log.Debug("sub-domain fallback disabled for domain")
		}
	}

	log.Info("no matching template")
	return Template{}, ErrNotFound
}

type matchLevel struct {
	name  string
	match func(Template) bool
}

// levels returns the tiers tried for l, in order. published is already
// scoped to platform and domain and sorted newest first.
func (r *Resolver) levels(l Lookup) []matchLevel {
	levels := []matchLevel{{"exact", func(t Template) bool {
		return dimension(t.Granularity) == l.Granularity && dimension(t.SubDomain) == l.SubDomain
	}}}
	if l.SubDomain != "" && r.strict[l.Domain] {
		return levels
	}
	return append(levels, matchLevel{"any_sub_domain", func(t Template) bool {
		return dimension(t.Granularity) == l.Granularity
	}})
}

func (r *Resolver) published(ctx context.Context, platform, domain string) ([]Template, error) {
	key := platform + "\x00" + domain
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	list, err := r.store.Published(ctx, platform, domain)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	r.mu.Lock()
	r.cache[key] = list
	r.mu.Unlock()
	return list, nil
}

// Invalidate drops every cached template set.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string][]Template)
	r.mu.Unlock()
}

// Save stores t through the store and invalidates the cache.
func (r *Resolver) Save(ctx context.Context, t Template) (Template, error) {
	saved, err := r.store.Save(ctx, t)
	if err != nil {
		return Template{}, err
	}
	r.Invalidate()
	return saved, nil
}

// Get returns a template by ID.
func (r *Resolver) Get(ctx context.Context, id string) (Template, error) {
	return r.store.Get(ctx, id)
}

// List returns templates matching f.
func (r *Resolver) List(ctx context.Context, f Filter) ([]Template, error) {
	return r.store.List(ctx, f)
}

// DetectHeaderChangeByID loads a template and compares it with current.
// A missing template or a failed load reports a change.
func (r *Resolver) DetectHeaderChangeByID(ctx context.Context, id string, current []string) HeaderChange {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		logging.FromContext(ctx).Warn("header change check failed, reporting change", "template_id", id, "error", err)
		return HeaderChange{Changed: true, CurrentColumns: current}
	}
	return DetectHeaderChange(&t, current)
}

// Match describes how a column matched a template column.
type Match struct {
	TemplateColumn string `json:"template_column"`
	Method         string `json:"method"`
}

var fuzzyStrip = regexp.MustCompile(`[\s_\-()（）]`)

// fuzzyKey folds width and case and drops whitespace, underscores,
// hyphens and parentheses.
func fuzzyKey(s string) string {
	return fuzzyStrip.ReplaceAllString(strings.ToLower(norm.NFKC.String(s)), "")
}

// ApplyTemplateToColumns matches columns against the template headers,
// exactly first and then by fuzzy key. Unmatched columns are absent from
// the result.
func ApplyTemplateToColumns(t Template, columns []string) map[string]Match {
	exact := make(map[string]bool, len(t.HeaderColumns))
	fuzzy := make(map[string]string, len(t.HeaderColumns))
	for _, h := range t.HeaderColumns {
		exact[h] = true
		k := fuzzyKey(h)
		if _, ok := fuzzy[k]; !ok {
			fuzzy[k] = h
		}
	}

	out := make(map[string]Match, len(columns))
	for _, c := range columns {
		if exact[c] {
			out[c] = Match{TemplateColumn: c, Method: "exact"}
			continue
		}
		if h, ok := fuzzy[fuzzyKey(c)]; ok {
			out[c] = Match{TemplateColumn: h, Method: "fuzzy"}
		}
	}
	return out
}

// HeaderChange is the result of comparing headers with a template.
type HeaderChange struct {
	Changed            bool     `json:"changed"`
	Added              []string `json:"added"`
	Removed            []string `json:"removed"`
	MatchRate          float64  `json:"match_rate"`
	ExactMatch         bool     `json:"exact_match"`
	TemplateColumns    []string `json:"template_columns"`
	CurrentColumns     []string `json:"current_columns"`
	NormalizedTemplate []string `json:"normalized_template_columns,omitempty"`
	NormalizedCurrent  []string `json:"normalized_current_columns,omitempty"`
}

// DetectHeaderChange compares current headers with the template after
// stripping currency annotations from both. Any added, removed or
// reordered header is a change; a nil template is always a change.
// MatchRate is |intersection| / |union| as a percentage, one decimal.
func DetectHeaderChange(t *Template, current []string) HeaderChange {
	if t == nil {
		return HeaderChange{Changed: true, CurrentColumns: current}
	}

	normTemplate := currency.StripAll(t.HeaderColumns)
	normCurrent := currency.StripAll(current)
	templateSet := toSet(normTemplate)
	currentSet := toSet(normCurrent)

	res := HeaderChange{
		Added:              difference(normCurrent, templateSet),
		Removed:            difference(normTemplate, currentSet),
		TemplateColumns:    t.HeaderColumns,
		CurrentColumns:     current,
		NormalizedTemplate: normTemplate,
		NormalizedCurrent:  normCurrent,
	}

	matched := 0
	for h := range currentSet {
		if _, ok := templateSet[h]; ok {
			matched++
		}
	}
	union := len(templateSet) + len(currentSet) - matched
	if union > 0 {
		rate := decimal.NewFromInt(int64(matched)).
			Div(decimal.NewFromInt(int64(union))).
			Mul(decimal.NewFromInt(100)).
			Round(1)
		res.MatchRate = rate.InexactFloat64()
	}

	res.ExactMatch = len(res.Added) == 0 && len(res.Removed) == 0 && slices.Equal(normTemplate, normCurrent)
	res.Changed = !res.ExactMatch
	return res
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// difference returns items not in other, first occurrence order.
func difference(items []string, other map[string]struct{}) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, it := range items {
		if _, ok := other[it]; ok || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
