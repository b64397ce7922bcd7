package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gridcompute/gridcompute/internal/gridfault"
	"github.com/gridcompute/gridcompute/internal/gridlog"
)

var log = gridlog.For("capability")

const (
	sendScript    = "send"
	processScript = "process"
	receiveScript = "receive"
)

// ApplicationAdapter is the per-application capability described in
// spec.md §4.3: send prepares an input bundle from a user selection,
// process turns input files into output files in a scratch directory, and
// receive applies output files back on the originating machine.
type ApplicationAdapter interface {
	ID() string
	Send(ctx context.Context, userSelection []string) ([]InputBundle, error)
	Process(ctx context.Context, scratchDir string, inputFiles []string) ([]string, error)
	Receive(ctx context.Context, scratchDir string, outputFiles []string) error
}

// InputBundle is one ordered file list send() produces.
type InputBundle struct {
	Files []string `json:"files"`
}

// subprocessAdapter invokes the three adapter scripts as subprocesses,
// isolating untrusted per-application logic from the GridCompute process
// rather than embedding a scripting runtime (spec.md §9).
type subprocessAdapter struct {
	id      string
	dir     string
	send    string
	process string
	receive string
}

// Index is the Capability Index: the intersection of the local machine's
// matrix row with the adapter directories actually present on disk.
type Index struct {
	machine  string
	matrix   *Matrix
	adapters map[string]*subprocessAdapter
}

// NewIndex scans applicationsDir for adapter directories and intersects
// them with the matrix row for machine. A directory missing any of the
// three required scripts is logged and excluded rather than failing
// startup, so a partially-installed adapter does not take the machine down.
func NewIndex(machine string, matrix *Matrix, applicationsDir string) (*Index, error) {
	entries, err := os.ReadDir(applicationsDir)
	if err != nil {
		return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("reading applications directory %s: %w", applicationsDir, err))
	}

	permitted := matrix.Applications(machine)
	adapters := make(map[string]*subprocessAdapter)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if !permitted[id] {
			continue
		}
		dir := filepath.Join(applicationsDir, id)
		a, ok := loadAdapter(id, dir)
		if !ok {
			continue
		}
		adapters[id] = a
	}

	return &Index{machine: machine, matrix: matrix, adapters: adapters}, nil
}

func loadAdapter(id, dir string) (*subprocessAdapter, bool) {
	a := &subprocessAdapter{
		id:      id,
		dir:     dir,
		send:    filepath.Join(dir, sendScript),
		process: filepath.Join(dir, processScript),
		receive: filepath.Join(dir, receiveScript),
	}
	for _, script := range []string{a.send, a.process, a.receive} {
		info, err := os.Stat(script)
		if err != nil || info.IsDir() {
			log.With(gridlog.Fields{"application": id, "script": script}).Warn("adapter incomplete, excluding")
			return nil, false
		}
	}
	return a, true
}

// SupportedApplications returns the application ids this machine can both
// process locally and is permitted to process per the capability matrix.
func (ix *Index) SupportedApplications() []string {
	out := make([]string, 0, len(ix.adapters))
	for id := range ix.adapters {
		out = append(out, id)
	}
	return out
}

// Adapter returns the capability object for application, or false if it is
// not locally available.
func (ix *Index) Adapter(application string) (ApplicationAdapter, bool) {
	a, ok := ix.adapters[application]
	return a, ok
}

func (a *subprocessAdapter) ID() string { return a.id }

type sendRequest struct {
	UserSelection []string `json:"user_selection"`
}

type sendResponse struct {
	Bundles []InputBundle `json:"bundles"`
	Error   string        `json:"error,omitempty"`
}

func (a *subprocessAdapter) Send(ctx context.Context, userSelection []string) ([]InputBundle, error) {
	var resp sendResponse
	if err := a.invoke(ctx, a.send, sendRequest{UserSelection: userSelection}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("%s send: %s", a.id, resp.Error))
	}
	return resp.Bundles, nil
}

type processRequest struct {
	CaseID     string   `json:"case_id"`
	ScratchDir string   `json:"scratch_dir"`
	InputFiles []string `json:"input_files"`
}

type processResponse struct {
	OutputFiles []string `json:"output_files"`
	Error       string   `json:"error,omitempty"`
}

// Process invokes the process script with the stdin/stdout JSON protocol
// SPEC_FULL.md §4.3 specifies: a one-line job descriptor in, a one-line
// result descriptor out. Process receives no case id, so the descriptor's
// case_id field is always sent empty.
func (a *subprocessAdapter) Process(ctx context.Context, scratchDir string, inputFiles []string) ([]string, error) {
	req := processRequest{ScratchDir: scratchDir, InputFiles: inputFiles}
	var resp processResponse
	if err := a.invoke(ctx, a.process, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("%s process: %s", a.id, resp.Error))
	}
	return resp.OutputFiles, nil
}

type receiveRequest struct {
	ScratchDir  string   `json:"scratch_dir"`
	OutputFiles []string `json:"output_files"`
}

type receiveResponse struct {
	Error string `json:"error,omitempty"`
}

func (a *subprocessAdapter) Receive(ctx context.Context, scratchDir string, outputFiles []string) error {
	req := receiveRequest{ScratchDir: scratchDir, OutputFiles: outputFiles}
	var resp receiveResponse
	if err := a.invoke(ctx, a.receive, req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("%s receive: %s", a.id, resp.Error))
	}
	return nil
}

// invoke runs script as a subprocess, writing the JSON-encoded request as a
// single line on stdin and decoding a single JSON line from stdout into
// resp. Using argv (no shell) avoids the injection surface a shell-string
// invocation would carry.
func (a *subprocessAdapter) invoke(ctx context.Context, script string, req interface{}, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("encoding request for %s: %w", script, err))
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = a.dir
	cmd.Stdin = newLineReader(payload)

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("%s exited %d: %s", script, exitErr.ExitCode(), string(exitErr.Stderr)))
		}
		return gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("running %s: %w", script, err))
	}

	if err := json.Unmarshal(firstLine(out), resp); err != nil {
		return gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("decoding %s response: %w", script, err))
	}
	return nil
}
