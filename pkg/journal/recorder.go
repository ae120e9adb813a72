package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"arena-feed/pkg/events"
)

// Recorder writes every frame it sees into a journal directory, one file per
// frame. Text frames land in .json files and binary frames in .msgpack files.
type Recorder struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	seq int64
}

// NewRecorder creates dir when needed.
func NewRecorder(dir string) (*Recorder, error) {
	if dir == "" {
		dir = filepath.Join("journal", "frames")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir %s: %w", dir, err)
	}
	return &Recorder{dir: dir, now: time.Now}, nil
}

// Record persists one frame and returns its path. Files are written to a
// temporary name first so readers never observe partial frames.
func (r *Recorder) Record(frame events.Frame) (string, error) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	ts := r.now()
	r.mu.Unlock()

	path := filepath.Join(r.dir, fileName(ts, seq, frame.Binary))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, frame.Data, 0o600); err != nil {
		return "", fmt.Errorf("journal: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("journal: rename %s: %w", path, err)
	}
	return path, nil
}

// Attach subscribes the recorder to a stream. Write failures are logged and
// never block the stream.
func (r *Recorder) Attach(stream events.Stream) func() {
	return stream.Subscribe(func(frame events.Frame) {
		if _, err := r.Record(frame); err != nil {
			logx.Errorf("journal: record frame err=%v", err)
		}
	})
}
