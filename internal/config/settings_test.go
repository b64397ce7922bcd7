package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettingsDefaults(t *testing.T) {
	input := `mongodb server: http://couch.lab.internal:5984
user group: metallurgy
password: hunter2
instance: production
`
	s, err := ParseSettings(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "http://couch.lab.internal:5984", s.DatabaseServer)
	assert.Equal(t, "metallurgy", s.UserGroup)
	assert.Equal(t, "hunter2", s.Password)
	assert.Equal(t, "production", s.Instance)
	assert.Equal(t, defaultReclaimGraceSeconds, s.ReclaimGraceSeconds)
	assert.Equal(t, defaultHeartbeatIntervalSeconds, s.HeartbeatIntervalSeconds)
	assert.Equal(t, defaultWorkerCapacity, s.WorkerCapacity)
}

func TestParseSettingsOverridesAndComments(t *testing.T) {
	input := `# shared settings
mongodb server: http://couch:5984
user group: g
instance: i
reclaim grace seconds: 60
heartbeat interval seconds: 10
worker capacity: 4
s3 mirror bucket: archive-mirror
status http addr: :8077
`
	s, err := ParseSettings(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 60, s.ReclaimGraceSeconds)
	assert.Equal(t, 10, s.HeartbeatIntervalSeconds)
	assert.Equal(t, 4, s.WorkerCapacity)
	assert.Equal(t, "archive-mirror", s.S3MirrorBucket)
	assert.Equal(t, ":8077", s.StatusHTTPAddr)
}

func TestParseSettingsMissingSeparator(t *testing.T) {
	_, err := ParseSettings(strings.NewReader("this line has no colon"))
	assert.Error(t, err)
}

func TestSettingsValidateHeartbeatGraceRatio(t *testing.T) {
	s := &Settings{
		DatabaseServer:           "http://couch:5984",
		UserGroup:                "g",
		Instance:                 "i",
		ReclaimGraceSeconds:      20,
		HeartbeatIntervalSeconds: 15,
		WorkerCapacity:           1,
	}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat interval")
}

func TestSettingsValidateOK(t *testing.T) {
	s := &Settings{
		DatabaseServer:           "http://couch:5984",
		UserGroup:                "g",
		Instance:                 "i",
		ReclaimGraceSeconds:      120,
		HeartbeatIntervalSeconds: 15,
		WorkerCapacity:           1,
	}
	assert.NoError(t, s.Validate())
}

func TestSettingsValidateMissingRequiredFields(t *testing.T) {
	s := &Settings{ReclaimGraceSeconds: 120, HeartbeatIntervalSeconds: 15, WorkerCapacity: 1}
	assert.Error(t, s.Validate())
}
