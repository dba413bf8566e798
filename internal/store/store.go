// Package store defines the local record store: analysis history and
// application settings persisted on the user's machine.
package store

import (
	"context"
	"encoding/json"
	"time"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Record is one saved analysis. Payload is an opaque JSON document. Only
// Synced may change after creation.
type Record struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
}

// Setting is a key/value pair; writes are last-write-wins.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is implemented by store/sqlite.
type Store interface {
	SaveRecord(ctx context.Context, kind string, payload []byte) (int64, error)
	ListRecords(ctx context.Context, limit, offset int) ([]Record, error)
	GetRecord(ctx context.Context, id int64) (Record, error)
	DeleteRecord(ctx context.Context, id int64) (bool, error)
	MarkSynced(ctx context.Context, ids ...int64) (int64, error)
	ListUnsynced(ctx context.Context, limit int) ([]Record, error)
	CountRecords(ctx context.Context) (int64, error)
	PurgeSyncedBefore(ctx context.Context, before time.Time) (int64, error)

	GetSetting(ctx context.Context, key string) (Setting, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) (bool, error)
	ListSettings(ctx context.Context) ([]Setting, error)

	Ping(ctx context.Context) error
	Close() error
}

// NormalizeLimit applies the default and the upper bound to a list limit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
