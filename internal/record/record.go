// Package record defines the data model shared by the ingestion packages:
// table identity, the ordered row payload, the record written to a fact
// table, and column descriptors.
package record

import (
	"strings"
	"time"
)

// Default identity parts substituted for missing values.
const (
	DefaultPart        = "unknown"
	DefaultGranularity = "daily"
)

// Identity classifies a batch and determines its target table.
// An empty SubDomain means the identity has no sub-domain.
type Identity struct {
	Platform    string `json:"platform"`
	Domain      string `json:"domain"`
	SubDomain   string `json:"sub_domain,omitempty"`
	Granularity string `json:"granularity"`
}

// Normalized returns the identity with every part lower-cased and trimmed
// and safe defaults applied. It never fails.
func (id Identity) Normalized() Identity {
	n := Identity{
		Platform:    strings.ToLower(strings.TrimSpace(id.Platform)),
		Domain:      strings.ToLower(strings.TrimSpace(id.Domain)),
		SubDomain:   strings.ToLower(strings.TrimSpace(id.SubDomain)),
		Granularity: strings.ToLower(strings.TrimSpace(id.Granularity)),
	}
	if n.Platform == "" {
		n.Platform = DefaultPart
	}
	if n.Domain == "" {
		n.Domain = DefaultPart
	}
	if n.Granularity == "" {
		n.Granularity = DefaultGranularity
	}
	return n
}

// HasSubDomain reports whether a sub-domain was supplied.
func (id Identity) HasSubDomain() bool {
	return strings.TrimSpace(id.SubDomain) != ""
}

// ColumnDescriptor pairs a raw header with the identifier it maps to.
type ColumnDescriptor struct {
	Original   string `json:"original"`
	Normalized string `json:"normalized"`
}

// RawRecord is one row ready to be written to a fact table.
// PeriodStartDate and PeriodEndDate are always set.
type RawRecord struct {
	Fingerprint       string
	Payload           Row
	OriginalHeaders   []string
	NormalizedHeaders []string
	CurrencyCode      string
	PeriodStartDate   time.Time
	PeriodEndDate     time.Time
	PeriodStartTime   *time.Time
	PeriodEndTime     *time.Time
}
