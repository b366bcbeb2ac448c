// Package conflict decides which state wins when a remote master and a
// concurrently-modified local fork disagree about a document. The resolver is
// pure and shared by every transport adapter.
package conflict

import (
	"encoding/json"
	"strings"

	"github.com/pesto-garden/pesto-sync/internal/document"
)

// Equal reports whether two states are the same revision: both must carry a
// non-empty modified_at and the values must be identical. It governs whether
// Resolve is invoked at all.
func Equal(a, b document.Document) bool {
	return a.ModifiedAt != "" && b.ModifiedAt != "" && a.ModifiedAt == b.ModifiedAt
}

// Resolve picks the surviving state between a local fork (newState) and the
// remote master, in this exact order:
//
//  1. A fork with a strictly newer modified_at wins.
//  2. A master whose content looks like serialized JSON (the custom server
//     stores documents as opaque JSON blobs) is parsed and the parsed
//     document wins.
//  3. Otherwise the master wins verbatim.
//
// Whichever branch fired, a deletion on either side forces the result to be
// deleted: a tombstone always beats a concurrent edit.
//
// Inputs are never mutated.
func Resolve(newState, master document.Document) document.Document {
	var resolved document.Document

	switch {
	case newState.ModifiedAt > master.ModifiedAt:
		resolved = newState.Clone()
	case strings.HasPrefix(master.Content, "{"):
		if err := json.Unmarshal([]byte(master.Content), &resolved); err != nil {
			resolved = master.Clone()
		}
	default:
		resolved = master.Clone()
	}

	if newState.Deleted || master.Deleted {
		resolved.Deleted = true
	}
	return resolved
}
