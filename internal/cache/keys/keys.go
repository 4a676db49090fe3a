// Package keys builds cache keys for composed index maps.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "idx"

// Key is "idx:<dataset>:<hash>" where hash is the xxhash of the selection
// fingerprint after whitespace normalisation.
func Key(dataset, fingerprint string) string {
	sum := xxhash.Sum64String(collapseASCIIWhitespace(fingerprint))
	return fmt.Sprintf("%s%016x", DatasetPrefix(dataset), sum)
}

// DatasetPrefix is the common prefix of every key for dataset; used to scan
// and drop a dataset's entries.
func DatasetPrefix(dataset string) string {
	return prefix + ":" + sanitizeName(strings.TrimSpace(dataset)) + ":"
}

func sanitizeName(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// ':' and glob characters would break prefix scans
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
