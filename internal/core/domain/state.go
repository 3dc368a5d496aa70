package domain

import "time"

type StateEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// StateSnapshot is a full copy of the ledger keyspace at Version.
type StateSnapshot struct {
	Version uint64       `json:"version"`
	TakenAt time.Time    `json:"taken_at"`
	Entries []StateEntry `json:"entries"`
}
