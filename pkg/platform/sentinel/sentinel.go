package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, locks and the broker layer
// return these (optionally wrapped) so the processor and the HTTP facade can
// translate them into outcomes and status codes.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in the store
// - ErrConflict: a unique key (identity number) is already taken, or a
//   compare-and-swap lost against a concurrent writer
// - ErrUnavailable: store, lock backend or broker temporarily unreachable
//
// For business-rule failures (checksum, birth date, transitions) use the typed
// errors of the owning package.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
