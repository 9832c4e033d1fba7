package retryq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
)

// store persists one record per message under dir. A write failure is a
// soft error: the message stays in memory only and is lost on restart,
// it never blocks the caller.
type store struct {
	dir string
}

func newStore(dir string) (*store, error) {
	if dir == "" {
		return nil, errors.NotValidf("retryq dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Annotatef(err, "retryq mkdir %s", dir)
	}
	return &store{dir: dir}, nil
}

func (s *store) path(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016d.json", id))
}

func (s *store) write(m *Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Annotatef(err, "retryq marshal id=%d", m.ID)
	}
	if err = os.WriteFile(s.path(m.ID), b, 0o644); err != nil {
		return errors.Annotatef(err, "retryq write id=%d", m.ID)
	}
	return nil
}

func (s *store) remove(id uint64) {
	// removal failure leaves a record that will be re-queued on
	// restart; at-least-once makes that acceptable
	_ = os.Remove(s.path(id))
}

// loadAll scans the full directory and returns every parseable record.
// Corrupt files are skipped and deleted, not fatal.
func (s *store) loadAll() ([]*Message, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, []error{errors.Annotatef(err, "retryq scan %s", s.dir)}
	}
	var out []*Message
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		full := filepath.Join(s.dir, e.Name())
		b, err := os.ReadFile(full)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "retryq read %s", e.Name()))
			continue
		}
		m := &Message{}
		if err = json.Unmarshal(b, m); err != nil {
			errs = append(errs, errors.Annotatef(err, "retryq corrupt %s", e.Name()))
			_ = os.Remove(full)
			continue
		}
		out = append(out, m)
	}
	return out, errs
}
