package core

import (
	"slices"
	"strings"

	"github.com/JonMunkholm/factingest/internal/config"
	"github.com/JonMunkholm/factingest/internal/schema"
	"github.com/JonMunkholm/factingest/internal/templates"
)

// WriteStrategy governs what a write does on a uniqueness conflict.
type WriteStrategy string

const (
	// InsertOnly keeps the stored row; the incoming one is skipped.
	InsertOnly WriteStrategy = "INSERT_ONLY"
	// Upsert overwrites the mutable columns of the stored row.
	Upsert WriteStrategy = "UPSERT"
)

// identityColumns are never overwritten by an upsert.
var identityColumns = []string{
	schema.ColPlatform, schema.ColShopID, schema.ColDomain, schema.ColGranularity,
	schema.ColSubDomain, schema.ColDataHash,
}

// Policies holds the per-domain write configuration.
type Policies struct {
	upsert       map[string]bool
	updateFields []string
	dedup        map[string][]string
}

// NewPolicies builds policies from config. Update fields that are not
// insert columns or that identify the row are dropped.
func NewPolicies(cfg config.IngestConfig) *Policies {
	p := &Policies{
		upsert: make(map[string]bool, len(cfg.UpsertDomains)),
		dedup:  make(map[string][]string, len(cfg.DedupFields)),
	}
	for _, d := range cfg.UpsertDomains {
		p.upsert[domainKey(d)] = true
	}
	for _, f := range cfg.UpdateFields {
		f = strings.TrimSpace(f)
		if slices.Contains(insertColumns, f) && !slices.Contains(identityColumns, f) && !slices.Contains(p.updateFields, f) {
			p.updateFields = append(p.updateFields, f)
		}
	}
	for _, entry := range cfg.DedupFields {
		domain, list, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		var fields []string
		for _, f := range strings.Split(list, "|") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		if len(fields) > 0 {
			p.dedup[domainKey(domain)] = fields
		}
	}
	return p
}

// Strategy returns the write strategy of domain.
func (p *Policies) Strategy(domain string) WriteStrategy {
	if p.upsert[domainKey(domain)] {
		return Upsert
	}
	return InsertOnly
}

// UpdateFields returns the columns an upsert overwrites.
func (p *Policies) UpdateFields() []string {
	return p.updateFields
}

// DedupFields returns the fingerprint fields for domain. A template's own
// list wins over the configured default; nil means the full row.
func (p *Policies) DedupFields(domain string, t *templates.Template) []string {
	if t != nil && len(t.DedupFields) > 0 {
		return t.DedupFields
	}
	return p.dedup[domainKey(domain)]
}

func domainKey(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}
