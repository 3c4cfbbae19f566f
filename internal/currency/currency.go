// Package currency recognizes currency annotations embedded in column
// headers ("GMV (BRL)", "Sales_SGD", "销售额R$", "销售额（巴西雷亚尔）").
//
// Recognition and stripping are both ordered rule lists evaluated top to
// bottom. Each list is exported through Rules so the evaluation order can
// be inspected and tested on its own.
package currency

import (
	"regexp"
	"sort"
	"strings"
)

// isoCodes holds the ISO 4217 codes accepted in header annotations. A
// three-letter token outside this set is never treated as a currency, so
// headers like "Order_SKU" survive stripping untouched.
var isoCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CNY": true, "HKD": true,
	"TWD": true, "SGD": true, "MYR": true, "THB": true, "VND": true, "IDR": true,
	"PHP": true, "KRW": true, "INR": true, "AUD": true, "NZD": true, "CAD": true,
	"MXN": true, "BRL": true, "ARS": true, "CLP": true, "COP": true, "PEN": true,
	"RUB": true, "TRY": true, "SAR": true, "AED": true, "ZAR": true, "CHF": true,
	"SEK": true, "NOK": true, "DKK": true, "PLN": true, "CZK": true, "HUF": true,
	"ILS": true, "EGP": true, "NGN": true, "KES": true, "PKR": true, "BDT": true,
	"LKR": true, "QAR": true, "KWD": true, "BHD": true, "OMR": true, "JOD": true,
	"MAD": true, "UAH": true, "RON": true, "BGN": true, "ISK": true, "MOP": true,
}

// symbolCodes maps currency symbols to ISO codes.
var symbolCodes = map[string]string{
	"US$": "USD", "HK$": "HKD", "NT$": "TWD", "MX$": "MXN",
	"R$": "BRL", "S$": "SGD", "A$": "AUD", "C$": "CAD",
	"€": "EUR", "£": "GBP", "¥": "CNY", "￥": "CNY", "₩": "KRW", "₹": "INR",
	"₱": "PHP", "₫": "VND", "฿": "THB", "Rp": "IDR", "$": "USD",
}

// nameCodes maps Chinese currency names to ISO codes.
var nameCodes = map[string]string{
	"巴西雷亚尔": "BRL", "雷亚尔": "BRL", "新加坡元": "SGD", "新币": "SGD",
	"人民币": "CNY", "美元": "USD", "欧元": "EUR", "英镑": "GBP", "日元": "JPY",
	"韩元": "KRW", "泰铢": "THB", "越南盾": "VND", "印尼盾": "IDR",
	"菲律宾比索": "PHP", "马来西亚林吉特": "MYR", "林吉特": "MYR", "马币": "MYR",
	"新台币": "TWD", "港币": "HKD", "港元": "HKD", "墨西哥比索": "MXN",
	"澳元": "AUD", "加元": "CAD", "卢比": "INR",
}

// IsValidCode reports whether code is an accepted ISO 4217 code.
func IsValidCode(code string) bool {
	return isoCodes[strings.ToUpper(code)]
}

// longestFirst returns the keys of m sorted by descending length so that
// "R$" is considered before "$".
func longestFirst(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// isAlphaSymbol reports symbols made of letters, which must not be
// matched in the middle of a word.
func isAlphaSymbol(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

var (
	openParen  = `[（(]`
	closeParen = `[）)]`
)

// Rule is one step of an ordered recognition or stripping list.
type Rule struct {
	Name string
	re   *regexp.Regexp

	// code resolves the matched submatches to an ISO code; "" rejects the match.
	code func(m []string) string

	// replace is the text substituted when the rule strips a match.
	replace string
}

func isoRule(name, pattern, replace string) Rule {
	return Rule{
		Name: name,
		re:   regexp.MustCompile(`(?i)` + pattern),
		code: func(m []string) string {
			if c := strings.ToUpper(m[1]); isoCodes[c] {
				return c
			}
			return ""
		},
		replace: replace,
	}
}

func lookupRule(name, pattern, key, replace string, table map[string]string) Rule {
	return Rule{
		Name:    name,
		re:      regexp.MustCompile(pattern),
		code:    func([]string) string { return table[key] },
		replace: replace,
	}
}

// extractISO lists the ISO-code recognizers. All of them are evaluated
// and the leftmost valid match wins.
var extractISO = []Rule{
	isoRule("iso_paren_end", `\(([a-z]{3})\)$`, ""),
	isoRule("iso_paren", `[（(]([a-z]{3})[）)]`, ""),
	isoRule("iso_underscore_end", `_([a-z]{3})$`, ""),
	isoRule("iso_underscore_mid", `_([a-z]{3})_`, "_"),
	isoRule("iso_hyphen_end", `-([a-z]{3})$`, ""),
	isoRule("iso_hyphen_mid", `-([a-z]{3})-`, "-"),
	isoRule("iso_space_end", `\s+([a-z]{3})$`, ""),
	isoRule("iso_space_mid", `\s+([a-z]{3})\s+`, " "),
}

// stripISO is the order in which ISO annotations are removed: parenthesized
// forms entirely, separator forms keeping one separator.
var stripISO = []Rule{
	extractISO[1], // parenthesized, any position
	extractISO[3],
	extractISO[2],
	extractISO[5],
	extractISO[4],
	extractISO[7],
	extractISO[6],
}

// symbolRules and nameRules are built from the lookup tables, longest
// entry first, each entry contributing parenthesized, trailing and
// separator-delimited forms.
var symbolRules, nameRules = buildLookupRules("symbol", symbolCodes), buildLookupRules("name", nameCodes)

func buildLookupRules(kind string, table map[string]string) []Rule {
	var rules []Rule
	for _, key := range longestFirst(table) {
		q := regexp.QuoteMeta(key)
		rules = append(rules,
			lookupRule(kind+"_paren", openParen+q+closeParen, key, "", table),
			lookupRule(kind+"_end", q+`$`, key, "", table),
			lookupRule(kind+"_underscore_mid", `_`+q+`_`, key, "_", table),
			lookupRule(kind+"_hyphen_mid", `-`+q+`-`, key, "-", table),
			lookupRule(kind+"_space_mid", `\s+`+q+`\s+`, key, " ", table),
		)
		if kind == "name" || !isAlphaSymbol(key) {
			rules = append(rules, lookupRule(kind+"_anywhere", q, key, "", table))
		}
	}
	return rules
}

// Rules returns the recognition order: ISO recognizers, then symbols, then
// Chinese names.
func Rules() []Rule {
	out := make([]Rule, 0, len(extractISO)+len(symbolRules)+len(nameRules))
	out = append(out, extractISO...)
	out = append(out, symbolRules...)
	return append(out, nameRules...)
}

// Extract returns the ISO code annotated in a header, or "".
func Extract(header string) string {
	if header == "" {
		return ""
	}

	best, bestPos := "", -1
	for _, r := range extractISO {
		for _, loc := range r.re.FindAllStringSubmatchIndex(header, -1) {
			m := submatches(header, loc)
			if c := r.code(m); c != "" && (bestPos < 0 || loc[0] < bestPos) {
				best, bestPos = c, loc[0]
			}
		}
	}
	if best != "" {
		return best
	}

	for _, r := range symbolRules {
		if m := r.re.FindStringSubmatch(header); m != nil {
			if c := r.code(m); c != "" {
				return c
			}
		}
	}
	for _, r := range nameRules {
		if m := r.re.FindStringSubmatch(header); m != nil {
			if c := r.code(m); c != "" {
				return c
			}
		}
	}
	return ""
}

// ExtractFromHeaders returns the first currency code found across headers.
func ExtractFromHeaders(headers []string) string {
	for _, h := range headers {
		if c := Extract(h); c != "" {
			return c
		}
	}
	return ""
}

var (
	trailingSeps  = regexp.MustCompile(`[_\s\-()、，,]+$`)
	leadingSeps   = regexp.MustCompile(`^[_\s\-()、，,]+`)
	repeatedSeps  = regexp.MustCompile(`[_\s\-]{2,}`)
	strippedRules = func() []Rule {
		out := make([]Rule, 0, len(stripISO)+len(symbolRules)+len(nameRules))
		out = append(out, stripISO...)
		for _, r := range symbolRules {
			if !strings.HasSuffix(r.Name, "_anywhere") {
				out = append(out, r)
			}
		}
		for _, r := range nameRules {
			if !strings.HasSuffix(r.Name, "_anywhere") {
				out = append(out, r)
			}
		}
		return out
	}()
)

// Strip removes currency annotations from a header so that two exports
// differing only in currency produce the same name.
func Strip(header string) string {
	if header == "" {
		return header
	}

	s := header
	for _, r := range strippedRules {
		s = r.re.ReplaceAllStringFunc(s, func(match string) string {
			m := r.re.FindStringSubmatch(match)
			if m == nil || r.code(m) == "" {
				return match
			}
			return r.replace
		})
	}

	s = strings.TrimSpace(s)
	s = trailingSeps.ReplaceAllString(s, "")
	s = leadingSeps.ReplaceAllString(s, "")
	s = repeatedSeps.ReplaceAllStringFunc(s, func(m string) string { return m[:1] })

	// Restore a closing bracket lost with a trailing annotation.
	if strings.Count(s, "（") > strings.Count(s, "）") {
		s += "）"
	}
	if strings.Count(s, "(") > strings.Count(s, ")") {
		s += ")"
	}
	return s
}

// StripAll applies Strip to every header.
func StripAll(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = Strip(h)
	}
	return out
}

func submatches(s string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = s[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}
