// Package crdtdoc is the thin seam around the automerge CRDT library. The
// rest of the engine never imports automerge directly and never inspects
// update bytes; it only calls New, ApplyUpdate and EncodeState.
package crdtdoc

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// Doc is the opaque CRDT document type. Callers treat it as a handle, not
// a value: it is never copied, only passed by pointer.
type Doc = automerge.Doc

// ErrMalformedUpdate is returned by ApplyUpdate when the supplied bytes are
// not a valid automerge encoding. Callers should log and drop the update,
// not treat it as fatal.
var ErrMalformedUpdate = errors.New("crdtdoc: malformed update")

// New creates a fresh, empty document.
func New() *Doc {
	return automerge.New()
}

// ApplyUpdate folds the changes encoded in blob into doc. Applying the same
// blob twice is a no-op (automerge deduplicates changes by hash), and
// applying two blobs in either order converges to the same state, which is
// exactly the idempotency and commutativity automerge guarantees.
//
// blob is expected to be a self-contained document encoding, as produced by
// EncodeState — the engine always exchanges full snapshots, never
// automerge's separate incremental-change wire format.
func ApplyUpdate(doc *Doc, blob []byte) error {
	incoming, err := automerge.Load(blob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	changes, err := incoming.Changes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := doc.Apply(changes...); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return nil
}

// EncodeState returns a self-contained encoding of doc's current state,
// suitable for the wire, for persistence, or as input to ApplyUpdate.
func EncodeState(doc *Doc) []byte {
	return doc.Save()
}

// ChangeCount reports how many changes are in doc's history. Called only
// from tests; never on the hot update path.
func ChangeCount(doc *Doc) (int, error) {
	changes, err := doc.Changes()
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}
