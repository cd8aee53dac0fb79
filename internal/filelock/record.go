package filelock

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Kind distinguishes shared read locks from exclusive write locks.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Record is the sidecar lock file content. A record with Holders > 1 is only
// valid while Type is read.
type Record struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Type      Kind      `json:"type"`
	Holders   int       `json:"holders,omitempty"`
}

// sameVersion reports whether two records represent the same lock state. The
// timestamp acts as the version token for compare-and-retry updates; holders
// and type are compared as well so a re-acquired lock never matches.
func (r Record) sameVersion(other Record) bool {
	return r.Timestamp.Equal(other.Timestamp) && r.Holders == other.Holders && r.Type == other.Type && r.PID == other.PID
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode lock record %s: %w", path, err)
	}
	return rec, nil
}

func encodeRecord(rec Record) []byte {
	data, err := json.Marshal(rec)
	if err != nil {
		// Record has no unmarshalable fields; this cannot happen.
		panic(err)
	}
	return append(data, '\n')
}

// LockPath returns the sidecar path protecting resource.
func LockPath(resource string) string {
	return resource + ".lock"
}
