package section

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalizer rewrites an extracted payload into the case's canonical forms.
type Normalizer interface {
	Normalize(ctx context.Context, caseID string, payload map[string]any) (map[string]any, error)
}

// IdentityResolver is the case-shared identity table.
type IdentityResolver interface {
	ResolveIdentity(caseID, key, candidate string) (string, error)
}

// CanonicalNormalizer folds names through the case identity table and
// rewrites timestamps as RFC3339 UTC. Keys named name, names, party, parties
// or ending in _name hold identities; keys ending in _at, plus date and
// timestamp, hold times.
type CanonicalNormalizer struct {
	Identities IdentityResolver
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"02 Jan 2006",
	"January 2, 2006",
}

// Normalize returns a rewritten copy of payload.
func (n CanonicalNormalizer) Normalize(ctx context.Context, caseID string, payload map[string]any) (map[string]any, error) {
	out, err := n.walk(ctx, caseID, "", payload)
	if err != nil {
		return nil, err
	}
	result, _ := out.(map[string]any)
	return result, nil
}

func (n CanonicalNormalizer) walk(ctx context.Context, caseID, key string, value any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			normalized, err := n.walk(ctx, caseID, k, item)
			if err != nil {
				return nil, err
			}
			out[k] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			normalized, err := n.walk(ctx, caseID, key, item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			normalized, err := n.walk(ctx, caseID, key, item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case string:
		switch {
		case isIdentityKey(key):
			return n.identity(caseID, v)
		case isTimeKey(key):
			return NormalizeTimestamp(v), nil
		}
		return v, nil
	default:
		return v, nil
	}
}

func (n CanonicalNormalizer) identity(caseID, raw string) (string, error) {
	display := CanonicalName(raw)
	if display == "" || n.Identities == nil {
		return display, nil
	}
	return n.Identities.ResolveIdentity(caseID, IdentityKey(display), display)
}

// CanonicalName applies NFKC and collapses whitespace.
func CanonicalName(raw string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(raw)), " ")
}

// IdentityKey is the case-folded lookup key for a name.
func IdentityKey(name string) string {
	return cases.Fold().String(CanonicalName(name))
}

// NormalizeTimestamp renders recognised timestamps as RFC3339 UTC and leaves
// anything else untouched.
func NormalizeTimestamp(raw string) string {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return ts.UTC().Format(time.RFC3339)
		}
	}
	return raw
}

func isIdentityKey(key string) bool {
	switch key {
	case "name", "names", "party", "parties":
		return true
	}
	return strings.HasSuffix(key, "_name")
}

func isTimeKey(key string) bool {
	switch key {
	case "date", "timestamp":
		return true
	}
	return strings.HasSuffix(key, "_at")
}
