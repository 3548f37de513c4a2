package updateutil

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Ordering decides how a remote release tag is compared to the installed
// version.
type Ordering string

const (
	// OrderingLexical compares versions as plain byte strings, so "1.10.0"
	// sorts before "1.9.0".
	OrderingLexical Ordering = "lexical"
	OrderingSemver  Ordering = "semver"
)

func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderingLexical:
		return OrderingLexical, nil
	case OrderingSemver:
		return OrderingSemver, nil
	}
	return "", fmt.Errorf("unknown version ordering %q (want lexical or semver)", s)
}

// IsVersionNewer reports whether latest orders strictly after current. With
// OrderingSemver, pairs that are not both valid semantic versions fall back
// to lexical comparison.
func IsVersionNewer(latest, current string, ordering Ordering) bool {
	latest = strings.TrimSpace(latest)
	current = strings.TrimSpace(current)
	if ordering == OrderingSemver {
		l, lok := normalizeSemver(latest)
		c, cok := normalizeSemver(current)
		if lok && cok {
			return semver.Compare(l, c) > 0
		}
	}
	return latest > current
}

func IsVersionDifferent(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if na, ok := normalizeSemver(a); ok {
		if nb, ok := normalizeSemver(b); ok {
			return semver.Compare(na, nb) != 0
		}
	}
	return strings.TrimPrefix(a, "v") != strings.TrimPrefix(b, "v")
}

func normalizeSemver(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}
