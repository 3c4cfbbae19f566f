// Package schema owns the shape of the fact tables: how an identity maps to
// a table name, the fixed system columns and indexes each table carries,
// and how header-derived columns are added as new exports arrive.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/JonMunkholm/factingest/internal/record"
)

// TablePrefix starts every fact table name.
const TablePrefix = "fact_"

// MaxIdentifierLength is the Postgres identifier limit (NAMEDATALEN - 1).
const MaxIdentifierLength = 63

// TableName composes fact_{platform}_{domain}[_{sub_domain}]_{granularity}.
// It is a pure, total function: missing parts get safe defaults and any
// character outside [a-z0-9_] becomes "_". Distinct identities whose
// platform, domain and granularity are alphanumeric never collide.
func TableName(id record.Identity) string {
	n := id.Normalized()

	parts := []string{sanitizePart(n.Platform), sanitizePart(n.Domain)}
	if n.SubDomain != "" {
		parts = append(parts, sanitizePart(n.SubDomain))
	}
	parts = append(parts, sanitizePart(n.Granularity))

	name := TablePrefix + strings.Join(parts, "_")
	if len(name) > MaxIdentifierLength {
		name = name[:MaxIdentifierLength-9] + "_" + shortHash(name)
	}
	return name
}

func sanitizePart(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return record.DefaultPart
	}
	return out
}

// shortHash returns the first 8 hex characters of the SHA-256 of s.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// IsFactTable reports whether name carries the fact table prefix.
func IsFactTable(name string) bool {
	return strings.HasPrefix(name, TablePrefix)
}
