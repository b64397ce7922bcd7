package caseregistry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/gridcompute/gridcompute/internal/gridfault"
)

// Registry is the CouchDB-backed Case Registry. All mutating operations are
// single-document compare-and-set on a record's `_rev`: read current state,
// build the mutated copy, `Put` with that `_rev`. CouchDB answers a stale
// write with HTTP 409, which every CAS method here reports as `(false, nil)`
// rather than an error, per spec.md §4.2's required boolean-return semantics.
type Registry struct {
	client   *kivik.Client
	cases    *kivik.DB
	versions *kivik.DB
	machines *kivik.DB
}

// Open connects to CouchDB at url and ensures the cases, versions, and
// machines databases exist, creating whichever are missing.
func Open(ctx context.Context, url, casesDB, versionsDB, machinesDB string) (*Registry, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("connecting to case registry: %w", err))
	}

	cases, err := openOrCreate(ctx, client, casesDB)
	if err != nil {
		return nil, err
	}
	versions, err := openOrCreate(ctx, client, versionsDB)
	if err != nil {
		return nil, err
	}
	machines, err := openOrCreate(ctx, client, machinesDB)
	if err != nil {
		return nil, err
	}

	return &Registry{client: client, cases: cases, versions: versions, machines: machines}, nil
}

func openOrCreate(ctx context.Context, client *kivik.Client, name string) (*kivik.DB, error) {
	exists, err := client.DBExists(ctx, name)
	if err != nil {
		return nil, gridfault.New(gridfault.TransientDB, "", fmt.Errorf("checking database %s: %w", name, err))
	}
	if !exists {
		if err := client.CreateDB(ctx, name); err != nil {
			return nil, gridfault.New(gridfault.TransientDB, "", fmt.Errorf("creating database %s: %w", name, err))
		}
	}
	return client.DB(name), nil
}

// Close releases the underlying CouchDB client connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

// EnsureIndexes creates the two Mango indexes the registry's query paths
// depend on: (status, application) for findClaimable and
// (status, last_heartbeat) for the reclamation scan. Creation is idempotent.
func (r *Registry) EnsureIndexes(ctx context.Context) error {
	if err := r.createIndex(ctx, "claimable", []string{"status", "application"}); err != nil {
		return err
	}
	if err := r.createIndex(ctx, "reclaimable", []string{"status", "last_heartbeat"}); err != nil {
		return err
	}
	return nil
}

func (r *Registry) createIndex(ctx context.Context, name string, fields []string) error {
	def := map[string]interface{}{
		"index": map[string]interface{}{"fields": fields},
		"name":  name,
		"type":  "json",
	}
	if err := r.cases.CreateIndex(ctx, "", name, def); err != nil {
		return gridfault.New(gridfault.TransientDB, "", fmt.Errorf("creating index %s: %w", name, err))
	}
	return nil
}

// Insert creates a new case record, rejecting duplicate ids.
func (r *Registry) Insert(ctx context.Context, rec *Record) error {
	rec.Rev = ""
	if _, err := r.cases.Put(ctx, rec.ID, rec); err != nil {
		if isConflict(err) {
			return gridfault.New(gridfault.PermanentDB, rec.ID, fmt.Errorf("case %s already exists", rec.ID))
		}
		return gridfault.New(classifyDBErr(err), rec.ID, fmt.Errorf("inserting case: %w", err))
	}
	return nil
}

// get fetches the current revision of a case record, returning nil, nil if
// the document does not exist.
func (r *Registry) get(ctx context.Context, id string) (*Record, error) {
	row := r.cases.Get(ctx, id)
	if row.Err() != nil {
		if isNotFound(row.Err()) {
			return nil, nil
		}
		return nil, gridfault.New(classifyDBErr(row.Err()), id, fmt.Errorf("reading case: %w", row.Err()))
	}
	var rec Record
	if err := row.ScanDoc(&rec); err != nil {
		return nil, gridfault.New(gridfault.PermanentDB, id, fmt.Errorf("scanning case: %w", err))
	}
	return &rec, nil
}

// FindClaimable returns records with status TO_PROCESS whose application is
// in applications, scoped to userGroup and instance. Ordering follows
// CouchDB's natural document-id order, which is time-ordered for the
// time-ordered ids the submission path assigns (acceptable FIFO per spec.md §9).
func (r *Registry) FindClaimable(ctx context.Context, userGroup, instance string, applications []string) ([]*Record, error) {
	if len(applications) == 0 {
		return nil, nil
	}
	apps := make([]interface{}, len(applications))
	for i, a := range applications {
		apps[i] = a
	}
	selector := map[string]interface{}{
		"status":      string(ToProcess),
		"user_group":  userGroup,
		"instance":    instance,
		"application": map[string]interface{}{"$in": apps},
	}
	return r.find(ctx, selector)
}

// FindReclaimable returns records with status PROCESSING whose
// last_heartbeat predates the given cutoff, scoped to userGroup/instance.
func (r *Registry) FindReclaimable(ctx context.Context, userGroup, instance string, cutoff time.Time) ([]*Record, error) {
	selector := map[string]interface{}{
		"status":         string(Processing),
		"user_group":     userGroup,
		"instance":       instance,
		"last_heartbeat": map[string]interface{}{"$lt": cutoff.Format(time.RFC3339Nano)},
	}
	return r.find(ctx, selector)
}

// FindProcessedForOriginator returns records with status PROCESSED whose
// origin.machine is self, for the result-retrieval scan.
func (r *Registry) FindProcessedForOriginator(ctx context.Context, self string) ([]*Record, error) {
	selector := map[string]interface{}{
		"status":         string(Processed),
		"origin.machine": self,
	}
	return r.find(ctx, selector)
}

// FindByOrigin returns every record this machine submitted, regardless of
// status, for the Status Surface's "my cases" projection.
func (r *Registry) FindByOrigin(ctx context.Context, self string) ([]*Record, error) {
	selector := map[string]interface{}{
		"origin.machine": self,
	}
	return r.find(ctx, selector)
}

func (r *Registry) find(ctx context.Context, selector map[string]interface{}) ([]*Record, error) {
	rows := r.cases.Find(ctx, map[string]interface{}{"selector": selector})
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.ScanDoc(&rec); err != nil {
			return nil, gridfault.New(gridfault.PermanentDB, "", fmt.Errorf("scanning claimable case: %w", err))
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, gridfault.New(gridfault.TransientDB, "", fmt.Errorf("querying cases: %w", err))
	}
	return out, nil
}

// Claim attempts the TO_PROCESS -> PROCESSING transition. maxAttempts of 0
// means unlimited (spec.md §9's default); a positive value refuses to claim
// a case whose attempt history has already reached it.
func (r *Registry) Claim(ctx context.Context, id string, who Identity, now time.Time, maxAttempts int) (bool, error) {
	rec, err := r.get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Status != ToProcess {
		return false, nil
	}
	if maxAttempts > 0 && len(rec.Processors.Attempts) >= maxAttempts {
		return false, nil
	}

	rec.Status = Processing
	rec.Processors.Attempts = append(rec.Processors.Attempts, Attempt{
		Identity:     who,
		AttemptIndex: len(rec.Processors.Attempts),
	})
	rec.Processors.Current = &CurrentAttempt{Machine: who.Machine, User: who.User, StartedAt: now}
	rec.LastHeartbeat = now

	return r.tryPut(ctx, rec)
}

// Heartbeat extends a case's liveness window. Succeeds only if the case is
// PROCESSING and current matches who.
func (r *Registry) Heartbeat(ctx context.Context, id string, who Identity, now time.Time) (bool, error) {
	rec, err := r.get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Status != Processing || !currentMatches(rec, who) {
		return false, nil
	}
	rec.LastHeartbeat = now
	return r.tryPut(ctx, rec)
}

// Complete transitions PROCESSING -> PROCESSED. Succeeds only if current
// matches who.
func (r *Registry) Complete(ctx context.Context, id string, who Identity, now time.Time) (bool, error) {
	rec, err := r.get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Status != Processing || !currentMatches(rec, who) {
		return false, nil
	}
	rec.Status = Processed
	if rec.Processors.Current != nil {
		rec.Processors.Current.EndedAt = &now
	}
	return r.tryPut(ctx, rec)
}

// Reclaim resets a stalled PROCESSING case back to TO_PROCESS, preserving
// attempts and clearing current. Succeeds only if the heartbeat is older
// than grace.
func (r *Registry) Reclaim(ctx context.Context, id string, now time.Time, grace time.Duration) (bool, error) {
	rec, err := r.get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Status != Processing {
		return false, nil
	}
	if now.Sub(rec.LastHeartbeat) <= grace {
		return false, nil
	}
	rec.Status = ToProcess
	rec.Processors.Current = nil
	return r.tryPut(ctx, rec)
}

// MarkReceived transitions PROCESSED -> RECEIVED. Idempotent at the database
// level: a second call on an already-RECEIVED record returns false without
// mutating it (R2).
func (r *Registry) MarkReceived(ctx context.Context, id string, now time.Time) (bool, error) {
	rec, err := r.get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Status != Processed {
		return false, nil
	}
	rec.Status = Received
	rec.Origin.ReceivedAt = &now
	return r.tryPut(ctx, rec)
}

// Delete removes a case record outright. Originator-only by convention;
// enforced by the caller, not the registry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	rec, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if _, err := r.cases.Delete(ctx, id, rec.Rev); err != nil {
		return gridfault.New(classifyDBErr(err), id, fmt.Errorf("deleting case: %w", err))
	}
	return nil
}

// QueryVersion performs the version handshake from spec.md §6: ALLOWED is
// silent, WARNING surfaces a message and continues, REFUSED is fatal, and an
// absent versions collection (or absent record) reports UNCONTROLLED.
func (r *Registry) QueryVersion(ctx context.Context, version string) (*VersionRecord, error) {
	row := r.versions.Get(ctx, version)
	if row.Err() != nil {
		if isNotFound(row.Err()) {
			return &VersionRecord{ID: version, Status: Uncontrolled}, nil
		}
		return nil, gridfault.New(gridfault.TransientDB, "", fmt.Errorf("querying version %s: %w", version, row.Err()))
	}
	var rec VersionRecord
	if err := row.ScanDoc(&rec); err != nil {
		return nil, gridfault.New(gridfault.PermanentDB, "", fmt.Errorf("scanning version record: %w", err))
	}
	return &rec, nil
}

// UpsertMachine writes the observational machine-heartbeat record described
// in SPEC_FULL.md §3. It is a plain last-write-wins upsert: no CAS, no
// retries, because a lost race simply means the next heartbeat corrects it.
func (r *Registry) UpsertMachine(ctx context.Context, rec *MachineRecord) error {
	existing := r.machines.Get(ctx, rec.ID)
	if existing.Err() == nil {
		var prev MachineRecord
		if err := existing.ScanDoc(&prev); err == nil {
			rec.Rev = prev.Rev
		}
	}
	if _, err := r.machines.Put(ctx, rec.ID, rec); err != nil && !isConflict(err) {
		return gridfault.New(gridfault.TransientDB, "", fmt.Errorf("upserting machine %s: %w", rec.ID, err))
	}
	return nil
}

// tryPut writes rec with its current Rev and reports (false, nil) on a CAS
// conflict rather than an error, matching the boolean-return contract every
// claim/heartbeat/complete/reclaim/markReceived caller expects.
func (r *Registry) tryPut(ctx context.Context, rec *Record) (bool, error) {
	rev, err := r.cases.Put(ctx, rec.ID, rec)
	if err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, gridfault.New(classifyDBErr(err), rec.ID, fmt.Errorf("writing case: %w", err))
	}
	rec.Rev = rev
	return true, nil
}

func currentMatches(rec *Record, who Identity) bool {
	return rec.Processors.Current != nil &&
		rec.Processors.Current.Machine == who.Machine &&
		rec.Processors.Current.User == who.User
}

func isConflict(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusConflict
}

func isNotFound(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusNotFound
}

// classifyDBErr distinguishes TRANSIENT_DB (network blip, server
// unreachable) from PERMANENT_DB (malformed document, validation failure).
func classifyDBErr(err error) gridfault.Kind {
	status := kivik.HTTPStatus(err)
	if status >= 500 || status == 0 {
		return gridfault.TransientDB
	}
	return gridfault.PermanentDB
}

// WatchClaimable wraps the cases database's `_changes` feed into an
// advisory wake-up channel: every change event (any document, not filtered
// by status — filtering happens at the findClaimable query, not here)
// sends an empty struct so the poll loop can wake early instead of idling
// out its full jitter window. The channel is closed when ctx is cancelled
// or the feed ends. A dropped connection here is
// silently swallowed: SPEC_FULL.md §4.2 requires this path never prevent
// the timer-driven poll from eventually running on its own.
func (r *Registry) WatchClaimable(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	go func() {
		defer close(wake)
		changes := r.cases.Changes(ctx, kivik.Params(map[string]interface{}{
			"feed":         "continuous",
			"since":        "now",
			"heartbeat":    15000,
			"include_docs": false,
		}))
		defer changes.Close()

		for changes.Next() {
			select {
			case wake <- struct{}{}:
			default:
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return wake
}
