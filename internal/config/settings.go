package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gridcompute/gridcompute/internal/gridfault"
)

// Settings holds the line-oriented key/value pairs from Settings/settings.txt
// plus the EXPANDED knobs SPEC_FULL.md adds to that same file (reclaim grace,
// heartbeat interval, worker capacity, optional S3 mirror bucket, optional
// status HTTP listen address). viper.AutomaticEnv overrides, under the
// GRIDCOMPUTE_ prefix, are layered on top by Load.
type Settings struct {
	DatabaseServer string
	UserGroup      string
	Password       string
	Instance       string

	Machine string
	User    string

	ReclaimGraceSeconds      int
	HeartbeatIntervalSeconds int
	WorkerCapacity           int

	S3MirrorBucket    string
	S3MirrorEndpoint  string
	S3MirrorRegion    string
	S3MirrorAccessKey string
	S3MirrorSecretKey string

	RedisURL      string
	AMQPURL       string
	AMQPExchange  string
	StatusHTTPAddr string
}

const (
	defaultReclaimGraceSeconds      = 120
	defaultHeartbeatIntervalSeconds = 15
	defaultWorkerCapacity           = 1
)

// ParseSettings reads settings.txt's "key: value" lines. Unknown keys are
// ignored rather than rejected, since operators may carry forward keys from
// older deployments.
func ParseSettings(r io.Reader) (*Settings, error) {
	s := &Settings{
		ReclaimGraceSeconds:      defaultReclaimGraceSeconds,
		HeartbeatIntervalSeconds: defaultHeartbeatIntervalSeconds,
		WorkerCapacity:           defaultWorkerCapacity,
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt line %d: missing ':' separator", lineNo))
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)

		switch key {
		case "mongodb server", "database server", "couchdb server":
			s.DatabaseServer = value
		case "user group":
			s.UserGroup = value
		case "password":
			s.Password = value
		case "instance":
			s.Instance = value
		case "machine":
			s.Machine = value
		case "user":
			s.User = value
		case "reclaim grace seconds":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt line %d: %w", lineNo, err))
			}
			s.ReclaimGraceSeconds = n
		case "heartbeat interval seconds":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt line %d: %w", lineNo, err))
			}
			s.HeartbeatIntervalSeconds = n
		case "worker capacity":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt line %d: %w", lineNo, err))
			}
			s.WorkerCapacity = n
		case "s3 mirror bucket":
			s.S3MirrorBucket = value
		case "s3 mirror endpoint":
			s.S3MirrorEndpoint = value
		case "s3 mirror region":
			s.S3MirrorRegion = value
		case "s3 mirror access key":
			s.S3MirrorAccessKey = value
		case "s3 mirror secret key":
			s.S3MirrorSecretKey = value
		case "redis url":
			s.RedisURL = value
		case "amqp url":
			s.AMQPURL = value
		case "amqp exchange":
			s.AMQPExchange = value
		case "status http addr":
			s.StatusHTTPAddr = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("reading settings.txt: %w", err))
	}
	return s, nil
}

// LoadSettings opens Settings/settings.txt under sharedRoot and parses it.
func LoadSettings(sharedRoot string) (*Settings, error) {
	path := filepath.Join(sharedRoot, "Settings", "settings.txt")
	f, err := os.Open(path)
	if err != nil {
		return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("opening %s: %w", path, err))
	}
	defer f.Close()
	return ParseSettings(f)
}

// Validate checks the boundary behavior B1 from the lifecycle invariants:
// the heartbeat interval must be strictly less than half the reclamation
// grace, or the process must refuse to start.
func (s *Settings) Validate() error {
	if s.UserGroup == "" {
		return gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt: user group is required"))
	}
	if s.Instance == "" {
		return gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt: instance is required"))
	}
	if s.DatabaseServer == "" {
		return gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt: database server is required"))
	}
	if s.ReclaimGraceSeconds <= 0 {
		return gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt: reclaim grace seconds must be positive"))
	}
	if s.HeartbeatIntervalSeconds <= 0 {
		return gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt: heartbeat interval seconds must be positive"))
	}
	if s.HeartbeatIntervalSeconds*2 >= s.ReclaimGraceSeconds {
		return gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf(
			"settings.txt: heartbeat interval seconds (%d) must be less than half of reclaim grace seconds (%d)",
			s.HeartbeatIntervalSeconds, s.ReclaimGraceSeconds))
	}
	if s.WorkerCapacity <= 0 {
		return gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("settings.txt: worker capacity must be positive"))
	}
	return nil
}
