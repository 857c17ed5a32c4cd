// Package fingerprint holds the best-effort infrastructure fingerprints taken
// during a scan: IP resolution, a JARM-style TLS fingerprint, favicon hashes and
// perceptual image hashes. None of them abort the caller; each returns an outcome
// whose Err explains an absent value.
package fingerprint

import "errors"

// ErrNoAnswer means the lookup completed but produced nothing usable.
var ErrNoAnswer = errors.New("no answer")

// Lookup is the outcome of a single best-effort lookup.
type Lookup struct {
	Value string
	Err   error
}

// OK reports whether a value was produced.
func (l Lookup) OK() bool { return l.Err == nil && l.Value != "" }

// Ptr returns nil for an absent value, for nullable columns.
func (l Lookup) Ptr() *string {
	if !l.OK() {
		return nil
	}
	v := l.Value
	return &v
}
