package keys

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/viewport-cache/internal/core/model"
)

// Precision returns the number of decimals kept per coordinate at a zoom level.
// Zoomed-out views round harder so that nearby viewports share an entry.
func Precision(zoom float64) int {
	if math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return 1
	}
	p := int(math.Floor(zoom / 2))
	if p < 1 {
		return 1
	}
	return p
}

// Viewport builds the cache key for a bbox at a zoom level.
func Viewport(b model.BoundingBox, zoom float64) string {
	p := Precision(zoom)
	var sb strings.Builder
	sb.Grow(64)
	sb.WriteString("vp:z")
	sb.WriteString(strconv.Itoa(truncZoom(zoom)))
	sb.WriteByte(':')
	sb.WriteString(coord(b.North, p))
	sb.WriteByte(',')
	sb.WriteString(coord(b.South, p))
	sb.WriteByte(',')
	sb.WriteString(coord(b.East, p))
	sb.WriteByte(',')
	sb.WriteString(coord(b.West, p))
	return sb.String()
}

func truncZoom(zoom float64) int {
	if math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return 0
	}
	return int(zoom)
}

func coord(v float64, prec int) string {
	pow := math.Pow(10, float64(prec))
	r := math.Round(v*pow) / pow
	s := strconv.FormatFloat(r, 'f', prec, 64)
	// avoid "-0.0" and "0.0" producing different keys
	if strings.Trim(s, "-0.") == "" {
		s = strings.TrimPrefix(s, "-")
	}
	return s
}

// Entry is the redis key of a distributed cache entry.
func Entry(ns, key string) string {
	return sanitize(ns) + ":entry:" + key
}

// Tag is the redis key of a tag's reverse-index set.
func Tag(ns, tag string) string {
	return sanitize(ns) + ":tag:" + sanitize(strings.TrimSpace(tag))
}

// RateLimit is the record key for one (identity, endpoint) pair.
func RateLimit(identity, endpoint string) string {
	const maxIdentityLen = 64
	id := sanitize(strings.TrimSpace(identity))
	if len(id) > maxIdentityLen {
		id = fmt.Sprintf("%s~%016x", id[:maxIdentityLen], xxhash.Sum64String(identity))
	}
	return "rl:" + sanitize(strings.TrimSpace(endpoint)) + ":" + id
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
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

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
