//go:build integration
// +build integration

package caseregistry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupCouchDBContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3.3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     "admin",
			"COUCHDB_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForHTTP("/_up").WithPort("5984/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5984")
	require.NoError(t, err)

	url := fmt.Sprintf("http://admin:testpass@%s:%s", host, port.Port())

	return url, func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
}

func openTestRegistry(t *testing.T) *Registry {
	url, cleanup := setupCouchDBContainer(t)
	t.Cleanup(cleanup)

	reg, err := Open(context.Background(), url, "cases", "versions", "machines")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	require.NoError(t, reg.EnsureIndexes(context.Background()))
	return reg
}

func TestRegistry_Integration_ClaimLifecycle(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	rec := &Record{
		ID:          "case-1",
		UserGroup:   "grid-a",
		Instance:    "inst-1",
		Application: "solver",
		Status:      ToProcess,
		Path:        "Cases/alice/mach-a/case-1.zip",
		Origin:      Origin{Machine: "mach-a", User: "alice", SubmittedAt: time.Now()},
	}
	require.NoError(t, reg.Insert(ctx, rec))

	claimable, err := reg.FindClaimable(ctx, "grid-a", "inst-1", []string{"solver"})
	require.NoError(t, err)
	require.Len(t, claimable, 1)

	who := Identity{Machine: "mach-b", User: "bob"}
	ok, err := reg.Claim(ctx, "case-1", who, time.Now(), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Claim(ctx, "case-1", who, time.Now(), 0)
	require.NoError(t, err)
	assert.False(t, ok, "second claim on an already-claimed case must fail")

	ok, err = reg.Heartbeat(ctx, "case-1", who, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	other := Identity{Machine: "mach-c", User: "carl"}
	ok, err = reg.Heartbeat(ctx, "case-1", other, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat from a non-holder must fail")

	ok, err = reg.Complete(ctx, "case-1", who, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.MarkReceived(ctx, "case-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.MarkReceived(ctx, "case-1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "marking an already-received case must be a no-op")
}

func TestRegistry_Integration_Reclaim(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	rec := &Record{
		ID:          "case-2",
		UserGroup:   "grid-a",
		Instance:    "inst-1",
		Application: "solver",
		Status:      ToProcess,
		Path:        "Cases/alice/mach-a/case-2.zip",
		Origin:      Origin{Machine: "mach-a", User: "alice", SubmittedAt: time.Now()},
	}
	require.NoError(t, reg.Insert(ctx, rec))

	who := Identity{Machine: "mach-b", User: "bob"}
	stale := time.Now().Add(-time.Hour)
	ok, err := reg.Claim(ctx, "case-2", who, stale, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = reg.Reclaim(ctx, "case-2", time.Now(), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "a case stalled past grace must be reclaimable")

	rec2, err := reg.get(ctx, "case-2")
	require.NoError(t, err)
	assert.Equal(t, ToProcess, rec2.Status)
	assert.Len(t, rec2.Processors.Attempts, 1, "reclaim preserves attempt history")
	assert.Nil(t, rec2.Processors.Current)
}

func TestRegistry_Integration_MaxAttemptsGate(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	rec := &Record{
		ID:          "case-3",
		UserGroup:   "grid-a",
		Instance:    "inst-1",
		Application: "solver",
		Status:      ToProcess,
		Origin:      Origin{Machine: "mach-a", User: "alice", SubmittedAt: time.Now()},
	}
	require.NoError(t, reg.Insert(ctx, rec))

	who := Identity{Machine: "mach-b", User: "bob"}
	stale := time.Now().Add(-time.Hour)
	ok, err := reg.Claim(ctx, "case-3", who, stale, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = reg.Reclaim(ctx, "case-3", time.Now(), 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = reg.Claim(ctx, "case-3", who, time.Now(), 1)
	require.NoError(t, err)
	assert.False(t, ok, "a case already at max_attempts must refuse another claim")
}

func TestRegistry_Integration_VersionHandshake(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	v, err := reg.QueryVersion(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, Uncontrolled, v.Status, "an absent version record must report UNCONTROLLED")

	_, err = reg.versions.Put(ctx, "2.0.0", &VersionRecord{
		ID:      "2.0.0",
		Status:  Refused,
		Message: "incompatible wire format",
	})
	require.NoError(t, err)

	v, err = reg.QueryVersion(ctx, "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, Refused, v.Status)
	assert.Equal(t, "incompatible wire format", v.Message)
}

func TestRegistry_Integration_UpsertMachine(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	m := &MachineRecord{ID: "mach-a", LastSeen: time.Now(), Applications: []string{"solver"}, Accepting: true}
	require.NoError(t, reg.UpsertMachine(ctx, m))

	m2 := &MachineRecord{ID: "mach-a", LastSeen: time.Now(), Applications: []string{"solver", "mesher"}, Accepting: false}
	require.NoError(t, reg.UpsertMachine(ctx, m2))

	row := reg.machines.Get(ctx, "mach-a")
	require.NoError(t, row.Err())
	var got MachineRecord
	require.NoError(t, row.ScanDoc(&got))
	assert.False(t, got.Accepting)
	assert.ElementsMatch(t, []string{"solver", "mesher"}, got.Applications)
}
