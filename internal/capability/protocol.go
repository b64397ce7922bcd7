package capability

import (
	"bytes"
	"io"
)

// newLineReader wraps a single JSON payload with a trailing newline so the
// adapter subprocess can read it with a simple line-oriented stdin reader.
func newLineReader(payload []byte) io.Reader {
	return bytes.NewReader(append(append([]byte{}, payload...), '\n'))
}

// firstLine returns the first newline-terminated (or EOF-terminated) line
// of out, tolerating adapters that emit trailing blank lines or diagnostic
// output on later lines.
func firstLine(out []byte) []byte {
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		return out[:i]
	}
	return out
}
