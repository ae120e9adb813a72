package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"arena-feed/pkg/events"
)

const (
	filePrefix   = "frame_"
	textSuffix   = ".json"
	binarySuffix = ".msgpack"
	stampLayout  = "20060102T150405.000000000"
)

// Record is one journaled push frame.
type Record struct {
	Path       string
	Seq        int64
	ReceivedAt time.Time
	Frame      events.Frame
}

// Reader loads journaled frames from disk.
type Reader struct {
	dir string
}

// NewReader returns a reader rooted at dir (defaults to ./journal/frames).
func NewReader(dir string) *Reader {
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join("journal", "frames")
	}
	return &Reader{dir: dir}
}

// List returns frame file paths ordered ascending by timestamp and sequence.
// If limit > 0, only the latest N files are returned.
func (r *Reader) List(limit int) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("journal: list dir %s: %w", r.dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, filePrefix) {
			continue
		}
		if !strings.HasSuffix(name, textSuffix) && !strings.HasSuffix(name, binarySuffix) {
			continue
		}
		files = append(files, filepath.Join(r.dir, name))
	}
	sort.Strings(files)
	if limit > 0 && len(files) > limit {
		files = files[len(files)-limit:]
	}
	return files, nil
}

// Load reads a single frame file.
func (r *Reader) Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}
	seq, receivedAt, binary, err := parseName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	return &Record{
		Path:       path,
		Seq:        seq,
		ReceivedAt: receivedAt,
		Frame:      events.Frame{Binary: binary, Data: data},
	}, nil
}

// Latest loads the most recent N frames (ascending order).
func (r *Reader) Latest(limit int) ([]*Record, error) {
	files, err := r.List(limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(files))
	for _, path := range files {
		rec, err := r.Load(path)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func fileName(receivedAt time.Time, seq int64, binary bool) string {
	suffix := textSuffix
	if binary {
		suffix = binarySuffix
	}
	return fmt.Sprintf("%s%s_%06d%s", filePrefix, receivedAt.UTC().Format(stampLayout), seq, suffix)
}

// parseName splits frame_<stamp>_<seq>.<ext>.
func parseName(name string) (int64, time.Time, bool, error) {
	binary := strings.HasSuffix(name, binarySuffix)
	trimmed := strings.TrimPrefix(name, filePrefix)
	trimmed = strings.TrimSuffix(strings.TrimSuffix(trimmed, binarySuffix), textSuffix)
	idx := strings.LastIndex(trimmed, "_")
	if idx <= 0 {
		return 0, time.Time{}, false, fmt.Errorf("journal: malformed frame name %s", name)
	}
	ts, err := time.ParseInLocation(stampLayout, trimmed[:idx], time.UTC)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("journal: frame name %s: %w", name, err)
	}
	seq, err := strconv.ParseInt(trimmed[idx+1:], 10, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("journal: frame name %s: %w", name, err)
	}
	return seq, ts, binary, nil
}
