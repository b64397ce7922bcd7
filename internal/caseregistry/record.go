// Package caseregistry implements the Case Registry: a CouchDB-backed
// document store holding one record per case plus version-gating and
// machine-heartbeat records, with single-document compare-and-set primitives
// built on CouchDB's MVCC revision tokens.
package caseregistry

import "time"

// Status is the observable lifecycle state of a case record.
type Status string

const (
	ToProcess  Status = "TO_PROCESS"
	Processing Status = "PROCESSING"
	Processed  Status = "PROCESSED"
	Received   Status = "RECEIVED"
)

// Identity names a (machine, user) pair, the atomic unit of "who is touching
// this case" throughout the protocol.
type Identity struct {
	Machine string `json:"machine"`
	User    string `json:"user"`
}

// Origin records who submitted a case and when.
type Origin struct {
	Machine     string     `json:"machine"`
	User        string     `json:"user"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
}

// Attempt is one entry in the append-only processing history of a case.
// AttemptIndex is the EXPANDED position marker that lets an operator spot a
// single machine flapping on the same case without the core enforcing a cap.
type Attempt struct {
	Identity
	AttemptIndex int `json:"attempt_index"`
}

// CurrentAttempt describes the processor presently holding a case in
// PROCESSING, if any.
type CurrentAttempt struct {
	Machine   string     `json:"machine"`
	User      string     `json:"user"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Processors groups the append-only attempt history with the current holder.
type Processors struct {
	Attempts []Attempt       `json:"attempts"`
	Current  *CurrentAttempt `json:"current,omitempty"`
}

// Record is the case record shape from spec.md §3, stored as a CouchDB
// document. Rev carries CouchDB's MVCC token and is never set by callers;
// every mutating call re-reads it internally before writing.
type Record struct {
	ID            string     `json:"_id"`
	Rev           string     `json:"_rev,omitempty"`
	UserGroup     string     `json:"user_group"`
	Instance      string     `json:"instance"`
	Application   string     `json:"application"`
	Status        Status     `json:"status"`
	Path          string     `json:"path"`
	Origin        Origin     `json:"origin"`
	Processors    Processors `json:"processors"`
	LastHeartbeat time.Time  `json:"last_heartbeat,omitempty"`
}

// VersionStatus is the handshake verdict for a reported version string.
type VersionStatus string

const (
	Allowed      VersionStatus = "ALLOWED"
	Warning      VersionStatus = "WARNING"
	Refused      VersionStatus = "REFUSED"
	Uncontrolled VersionStatus = "UNCONTROLLED"
)

// VersionRecord is the optional version-gating record from spec.md §6.
type VersionRecord struct {
	ID      string        `json:"_id"`
	Rev     string        `json:"_rev,omitempty"`
	Status  VersionStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

// MachineRecord is the EXPANDED observational heartbeat document SPEC_FULL.md
// §3 adds to the `machines` collection. It carries no case-affecting
// semantics and is upserted last-write-wins, without CAS.
type MachineRecord struct {
	ID           string    `json:"_id"`
	Rev          string    `json:"_rev,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	Applications []string  `json:"applications"`
	Accepting    bool      `json:"accepting"`
}
