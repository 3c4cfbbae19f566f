// Package dedup filters rows already seen, cheapest check first: a
// whole-file shortcut through the file ledger, then row fingerprints
// compared within the batch and against the target table.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/JonMunkholm/factingest/internal/logging"
	"github.com/JonMunkholm/factingest/internal/record"
)

// ExcludedFields never contribute to a full-row fingerprint.
var ExcludedFields = map[string]bool{
	"file_id":          true,
	"ingest_timestamp": true,
	"id":               true,
	"created_at":       true,
	"updated_at":       true,
}

// sampleSize is how many leading rows are inspected for configuration
// warnings.
const sampleSize = 10

// CalculateFingerprint returns the SHA-256 hex digest of a row.
//
// With dedupFields set only those fields are hashed, each matched against
// the row's keys exactly and then case-insensitively; unmatched fields are
// skipped. Without it every field is hashed except ExcludedFields and nil
// values. Pairs are sorted by key, so field order never matters.
func CalculateFingerprint(row record.Row, dedupFields []string) string {
	pairs, _ := fingerprintPairs(row, dedupFields)
	return hashPairs(pairs)
}

type pair struct {
	key   string
	value any
}

// fingerprintPairs selects the hashed pairs and reports which configured
// fields were missing from the row.
func fingerprintPairs(row record.Row, dedupFields []string) ([]pair, []string) {
	var pairs []pair
	var missing []string

	if len(dedupFields) > 0 {
		keys := row.Keys()
		used := make(map[string]bool, len(dedupFields))
		for _, field := range dedupFields {
			key, ok := matchKey(keys, field)
			if !ok {
				missing = append(missing, field)
				continue
			}
			if used[key] {
				continue
			}
			used[key] = true
			v, _ := row.Get(key)
			pairs = append(pairs, pair{key, v})
		}
	} else {
		for _, k := range row.Keys() {
			v, _ := row.Get(k)
			if ExcludedFields[k] || v == nil {
				continue
			}
			pairs = append(pairs, pair{k, v})
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	return pairs, missing
}

func matchKey(keys []string, field string) (string, bool) {
	for _, k := range keys {
		if k == field {
			return k, true
		}
	}
	for _, k := range keys {
		if strings.EqualFold(k, field) {
			return k, true
		}
	}
	return "", false
}

func hashPairs(pairs []pair) string {
	arr := make([][2]any, len(pairs))
	for i, p := range pairs {
		arr[i] = [2]any{p.key, p.value}
	}
	b, err := record.MarshalCanonical(arr)
	if err != nil {
		// Values JSON cannot encode are hashed as text.
		for i, p := range pairs {
			arr[i] = [2]any{p.key, record.Stringify(p.value)}
		}
		b, _ = record.MarshalCanonical(arr)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Fingerprints hashes every row and logs configuration problems seen in
// the leading sample: configured key fields missing from every sampled
// row, or a sample that hashed to a single value.
func Fingerprints(ctx context.Context, rows []record.Row, dedupFields []string) []string {
	log := logging.FromContext(ctx)
	out := make([]string, len(rows))
	missingEverywhere := len(dedupFields) > 0

	for i, row := range rows {
		pairs, missing := fingerprintPairs(row, dedupFields)
		out[i] = hashPairs(pairs)
		if i < sampleSize && len(missing) < len(dedupFields) {
			missingEverywhere = false
		}
	}

	if missingEverywhere && len(rows) > 0 {
		log.Error("no configured dedup field found in sampled rows, all rows will share one fingerprint",
			"dedup_fields", dedupFields, "sample_keys", rows[0].Keys())
	}

	if n := min(len(out), sampleSize); n > 1 {
		same := true
		for _, h := range out[1:n] {
			if h != out[0] {
				same = false
				break
			}
		}
		if same {
			log.Warn("leading rows share one fingerprint, check dedup field configuration",
				"sampled", n, "fingerprint", out[0][:16], "dedup_fields", dedupFields)
		}
	}
	return out
}
