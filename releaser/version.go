package releaser

import (
	version "github.com/hashicorp/go-version"
)

func triple(s string) (t [3]int, ok bool) {
	v, err := version.NewVersion(s)
	if err != nil {
		return t, false
	}
	for i, n := range v.Segments() {
		if i >= len(t) {
			break
		}
		t[i] = n
	}
	return t, true
}

// Newer reports whether candidate is strictly newer than current,
// comparing major, minor, and patch numbers only.  A version that
// does not parse is never newer, and nothing is newer than it.
func Newer(current, candidate string) bool {
	a, ok := triple(current)
	if !ok {
		return false
	}
	b, ok := triple(candidate)
	if !ok {
		return false
	}
	for i := range a {
		if b[i] != a[i] {
			return b[i] > a[i]
		}
	}
	return false
}
