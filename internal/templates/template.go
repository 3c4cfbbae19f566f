// Package templates resolves the stored header template for an export
// and compares incoming headers against it.
package templates

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/JonMunkholm/factingest/internal/record"
)

// ErrNotFound is returned when no template matches.
var ErrNotFound = errors.New("template not found")

// Status is the publication state of a template.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Template describes a known header layout for an identity.
// SubDomain and Granularity are optional; empty means unspecified.
type Template struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Platform      string    `json:"platform"`
	Domain        string    `json:"domain"`
	SubDomain     string    `json:"sub_domain,omitempty"`
	Granularity   string    `json:"granularity,omitempty"`
	HeaderColumns []string  `json:"header_columns"`
	DedupFields   []string  `json:"dedup_fields,omitempty"`
	Status        Status    `json:"status"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Platform string
	Domain   string
	Status   Status
}

// Store persists templates.
type Store interface {
	// Published returns the published templates for platform and domain,
	// newest version first.
	Published(ctx context.Context, platform, domain string) ([]Template, error)
	Get(ctx context.Context, id string) (Template, error)
	List(ctx context.Context, f Filter) ([]Template, error)
	// Save stores t as the next version of its dimensions.
	Save(ctx context.Context, t Template) (Template, error)
}

// Lookup is the key a template is resolved by.
type Lookup struct {
	Platform    string
	Domain      string
	Granularity string
	SubDomain   string
}

func (l Lookup) normalized() Lookup {
	return Lookup{
		Platform:    dimension(l.Platform),
		Domain:      dimension(l.Domain),
		Granularity: dimension(l.Granularity),
		SubDomain:   dimension(l.SubDomain),
	}
}

// LookupFor builds a lookup from an identity as supplied by the caller,
// before identity defaults are applied.
func LookupFor(id record.Identity) Lookup {
	return Lookup{
		Platform:    id.Platform,
		Domain:      id.Domain,
		Granularity: id.Granularity,
		SubDomain:   id.SubDomain,
	}
}

// dimension trims and lower-cases an optional dimension; blank is empty.
func dimension(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
