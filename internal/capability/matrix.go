// Package capability implements the Capability Index: the machine/
// application capability matrix loaded from Software_Per_Machine.csv, local
// adapter discovery under Settings/Applications/<id>/, and the
// ApplicationAdapter subprocess protocol used to invoke send/process/receive.
package capability

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gridcompute/gridcompute/internal/gridfault"
)

// Matrix is the machine -> set of application ids capability table loaded
// from Settings/Software_Per_Machine.csv. It is loaded once at startup;
// spec.md §3 treats a change to this file as a restart-level event, so
// Matrix carries no reload method.
type Matrix struct {
	rows map[string]map[string]bool
}

// ParseMatrix reads the header row ("Machine name", <application id>, ...)
// followed by one row per machine ("<machine>", 0|1, ...).
func ParseMatrix(r io.Reader) (*Matrix, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("capability matrix is empty"))
		}
		return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("reading capability matrix header: %w", err))
	}
	if len(header) < 2 {
		return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("capability matrix header needs at least one application column"))
	}
	apps := header[1:]

	m := &Matrix{rows: make(map[string]map[string]bool)}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("reading capability matrix row: %w", err))
		}
		if len(record) == 0 {
			continue
		}
		machine := strings.TrimSpace(record[0])
		if machine == "" {
			continue
		}
		set := make(map[string]bool)
		for i, app := range apps {
			col := i + 1
			if col >= len(record) {
				continue
			}
			if strings.TrimSpace(record[col]) == "1" {
				set[strings.TrimSpace(app)] = true
			}
		}
		m.rows[machine] = set
	}
	return m, nil
}

// LoadMatrix opens and parses Settings/Software_Per_Machine.csv under the
// shared folder root.
func LoadMatrix(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("opening capability matrix %s: %w", path, err))
	}
	defer f.Close()
	return ParseMatrix(f)
}

// Applications returns the set of application ids machine is permitted to
// process, per the matrix row for that machine. An unlisted machine is
// permitted nothing.
func (m *Matrix) Applications(machine string) map[string]bool {
	return m.rows[machine]
}
