package caseregistry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gridcompute/gridcompute/internal/gridfault"
)

func TestCurrentMatches(t *testing.T) {
	rec := &Record{
		Processors: Processors{
			Current: &CurrentAttempt{Machine: "mach-a", User: "alice", StartedAt: time.Now()},
		},
	}

	assert.True(t, currentMatches(rec, Identity{Machine: "mach-a", User: "alice"}))
	assert.False(t, currentMatches(rec, Identity{Machine: "mach-a", User: "bob"}))
	assert.False(t, currentMatches(rec, Identity{Machine: "mach-b", User: "alice"}))
}

func TestCurrentMatchesNilCurrent(t *testing.T) {
	rec := &Record{}
	assert.False(t, currentMatches(rec, Identity{Machine: "mach-a", User: "alice"}))
}

func TestClassifyDBErrDefaultsToTransient(t *testing.T) {
	// A plain Go error carries no HTTP status of its own (kivik.HTTPStatus
	// reports 500 for it), which this classifier treats as transient rather
	// than risking a permanent-failure verdict on an unrecognized error shape.
	got := classifyDBErr(errors.New("boom"))
	assert.Equal(t, gridfault.TransientDB, got)
}

func TestAttemptIndexIncrementsAcrossReclaim(t *testing.T) {
	rec := &Record{Status: ToProcess}

	rec.Processors.Attempts = append(rec.Processors.Attempts, Attempt{
		Identity:     Identity{Machine: "mach-a", User: "alice"},
		AttemptIndex: len(rec.Processors.Attempts),
	})
	rec.Processors.Attempts = append(rec.Processors.Attempts, Attempt{
		Identity:     Identity{Machine: "mach-b", User: "bob"},
		AttemptIndex: len(rec.Processors.Attempts),
	})

	assert.Equal(t, 0, rec.Processors.Attempts[0].AttemptIndex)
	assert.Equal(t, 1, rec.Processors.Attempts[1].AttemptIndex)
}
