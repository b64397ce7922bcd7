// Package gridfault defines the small set of error kinds the coordinator
// branches on. Everything else is a plain wrapped error; only the handful of
// categories that change retry/escalation behavior get a Kind.
package gridfault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault by how the caller should react to it: retry it,
// surface it to an operator, or treat the case/claim as lost.
type Kind string

const (
	// ConfigInvalid marks a configuration or pointer-file problem. Always
	// fatal at startup; never retried.
	ConfigInvalid Kind = "CONFIG_INVALID"

	// VersionRefused marks a version-handshake rejection against the case
	// registry's versions collection. Fatal at startup.
	VersionRefused Kind = "VERSION_REFUSED"

	// TransientIO marks a filesystem or archive operation that failed in a
	// way expected to resolve itself (share momentarily unavailable, mirror
	// upload timeout). Logged and retried by the reclamation loop.
	TransientIO Kind = "TRANSIENT_IO"

	// TransientDB marks a case registry operation that failed in a way
	// expected to resolve itself (network blip, CouchDB momentarily
	// unreachable). Logged and retried.
	TransientDB Kind = "TRANSIENT_DB"

	// PermanentIO marks a filesystem or archive operation that failed in a
	// way no retry will fix (corrupt zip, missing file, permission denied).
	PermanentIO Kind = "PERMANENT_IO"

	// PermanentDB marks a case registry operation that failed in a way no
	// retry will fix (malformed document, schema violation).
	PermanentDB Kind = "PERMANENT_DB"

	// AdapterFailed marks a non-zero exit or malformed output from an
	// application adapter subprocess. Logged; the case stays PROCESSING
	// until reclamation, after which any machine (including the one that
	// produced it) may claim and retry it.
	AdapterFailed Kind = "ADAPTER_FAILED"

	// ClaimLost marks a CAS conflict on a heartbeat or completion write,
	// meaning another machine (or a reclamation) already took the case away.
	ClaimLost Kind = "CLAIM_LOST"
)

// Fault is a Kind-tagged error carrying the case id it happened to, so a
// single log call can report case_id/kind/cause together.
type Fault struct {
	Kind   Kind
	CaseID string
	Cause  error
}

func (f *Fault) Error() string {
	if f.CaseID == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Cause)
	}
	return fmt.Sprintf("%s: case %s: %v", f.Kind, f.CaseID, f.Cause)
}

func (f *Fault) Unwrap() error { return f.Cause }

// New wraps cause with a Kind and an optional case id. caseID may be empty
// for faults that happen before a case is known (startup, config load).
func New(kind Kind, caseID string, cause error) *Fault {
	return &Fault{Kind: kind, CaseID: caseID, Cause: cause}
}

// Is reports whether err is a *Fault of the given kind, unwrapping through
// any wrapping in between.
func Is(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// IsRetryable reports whether kind is one the reclamation loop should treat
// as transient and retry rather than surface permanently.
func IsRetryable(kind Kind) bool {
	switch kind {
	case TransientIO, TransientDB, ClaimLost:
		return true
	default:
		return false
	}
}
