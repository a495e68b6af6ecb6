// Package bootstrapfile persists the set of directly-connected contacts a
// node last used to join the network (the ".kadconfig" snapshot of
// spec.md §6), so a restarted node can rejoin without a fresh out-of-band
// bootstrap list.
package bootstrapfile

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxRecords is the hard cap on persisted contacts (spec.md §6).
const MaxRecords = 10000

// Record is one persisted contact: {node_id (hex), ip, port, local_ip,
// local_port}, local fields optional.
type Record struct {
	NodeID    string `json:"node_id"`
	IP        string `json:"ip"`
	Port      uint16 `json:"port"`
	LocalIP   string `json:"local_ip,omitempty"`
	LocalPort uint16 `json:"local_port,omitempty"`
}

// Store guards reads and writes of a single .kadconfig file with a
// dedicated mutex (spec.md §5's "bootstrap snapshot file: written under a
// dedicated mutex, whole-file atomic rewrite").
type Store struct {
	mu   sync.Mutex
	path string
	log  *logrus.Entry
}

// New returns a Store bound to path. The file is not touched until Load
// or Save is called.
func New(path string) *Store {
	return &Store{
		path: path,
		log:  logrus.WithFields(logrus.Fields{"package": "bootstrapfile"}),
	}
}

// Load reads the record stream at path. A missing file returns an empty
// slice and no error; a parse failure also returns an empty slice (spec.md
// §6: "parse failure on load = start empty") but surfaces the error so
// callers can log it.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open bootstrap file: %w", err)
	}
	defer f.Close()

	records, err := readRecords(f)
	if err != nil {
		s.log.WithFields(logrus.Fields{"error": err.Error()}).Warn("bootstrap file parse failure, starting empty")
		return nil, err
	}
	return records, nil
}

func readRecords(r io.Reader) ([]Record, error) {
	var records []Record
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read record length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read record body: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(buf, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save rewrites the file atomically (write to a temp file in the same
// directory, then rename over the target) with up to MaxRecords entries.
// Records are written in the order given; those beyond the cap are
// dropped from the end.
func (s *Store) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(records) > MaxRecords {
		records = records[:MaxRecords]
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".kadconfig-*")
	if err != nil {
		return fmt.Errorf("create temp bootstrap file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeRecords(tmp, records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp bootstrap file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename bootstrap file into place: %w", err)
	}
	return nil
}

func writeRecords(w io.Writer, records []Record) error {
	for _, rec := range records {
		buf, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("write record length: %w", err)
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write record body: %w", err)
		}
	}
	return nil
}
