// Package recording persists per-host command transcripts. Each host gets
// one zstd-compressed file in the recording directory; stdout and stderr
// are written in arrival order.
package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"armada/logging"
)

type hostFile struct {
	file    *os.File
	encoder *zstd.Encoder
}

type Recorder struct {
	mu     sync.Mutex
	dir    string
	logger *logging.Logger
	files  map[string]*hostFile
	closed bool
}

func New(dir string, logger *logging.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &Recorder{
		dir:    dir,
		logger: logger,
		files:  make(map[string]*hostFile),
	}, nil
}

// Record appends data to host's transcript. Write failures are logged and
// the host's transcript is abandoned rather than failing the command run.
func (r *Recorder) Record(host, stream string, data []byte) {
	if r == nil || len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	entry, ok := r.files[host]
	if !ok {
		opened, err := r.open(host)
		if err != nil {
			r.logger.Warn("transcript open failed", map[string]string{
				"host":  host,
				"error": err.Error(),
			})
			r.files[host] = nil
			return
		}
		entry = opened
		r.files[host] = entry
	}
	if entry == nil {
		return
	}
	if _, err := entry.encoder.Write(data); err != nil {
		r.logger.Warn("transcript write failed", map[string]string{
			"host":  host,
			"error": err.Error(),
		})
		entry.encoder.Close()
		entry.file.Close()
		r.files[host] = nil
	}
}

func (r *Recorder) open(host string) (*hostFile, error) {
	name := strings.NewReplacer("/", "_", ":", "_").Replace(host) + ".log.zst"
	file, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &hostFile{file: file, encoder: encoder}, nil
}

// Close flushes and closes every transcript.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for host, entry := range r.files {
		if entry == nil {
			continue
		}
		if err := entry.encoder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := entry.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, host)
	}
	return firstErr
}
