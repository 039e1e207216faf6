package mitm

import (
	"bytes"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrKeyLogClosed is returned by writes after Close.
var ErrKeyLogClosed = errors.New("key log closed")

// KeyLogWriter appends NSS key log lines for the intercepted TLS sessions of
// both legs, so a packet capture of the proxy can be decrypted.
type KeyLogWriter struct {
	path string

	mu    sync.Mutex
	file  *os.File
	lines int
}

// NewKeyLogWriter opens path for appending, creating it owner-readable only.
func NewKeyLogWriter(path string) (*KeyLogWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open key log %s", path)
	}
	log.Info().Str("component", "mitm").Str("path", path).Msg("TLS key log enabled")
	return &KeyLogWriter{path: path, file: file}, nil
}

// Path returns the key log location.
func (w *KeyLogWriter) Path() string { return w.path }

// Lines returns how many key lines were written.
func (w *KeyLogWriter) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Write implements io.Writer. crypto/tls hands over one complete line per call.
func (w *KeyLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, ErrKeyLogClosed
	}
	n, err := w.file.Write(p)
	w.lines += bytes.Count(p[:n], []byte{'\n'})
	return n, err
}

// Close closes the file. Repeated calls are no-ops.
func (w *KeyLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	log.Debug().Str("component", "mitm").Str("path", w.path).Int("lines", w.lines).Msg("TLS key log closed")
	return err
}
