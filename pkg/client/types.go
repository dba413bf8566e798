package client

import (
	"encoding/json"
	"time"
)

// BackendStatus is the host's view of the backend process.
type BackendStatus struct {
	URL       string        `json:"url"`
	State     string        `json:"state"`
	Healthy   bool          `json:"healthy"`
	PID       int           `json:"pid,omitempty"`
	Port      int           `json:"port"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
	Runtime   string        `json:"runtime,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	LastCheck *HealthResult `json:"last_check,omitempty"`
}

type HealthResult struct {
	OK         bool          `json:"ok"`
	CheckedAt  time.Time     `json:"checked_at"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// BackendStats is a resource sample of the backend process.
type BackendStats struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

type Record struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecureInfo describes the credential strategy chosen at start-up.
type SecureInfo struct {
	Backend    string `json:"backend"`
	Persistent bool   `json:"persistent"`
	Service    string `json:"service"`
}

// Event is a lifecycle notification delivered over the event stream.
type Event struct {
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	PID      int       `json:"pid,omitempty"`
	Port     int       `json:"port,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Signal   string    `json:"signal,omitempty"`
	Expected bool      `json:"expected,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ListQuery pages through records; zero values use the server defaults.
type ListQuery struct {
	Limit  int
	Offset int
}

type saveRecordRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type saveRecordResponse struct {
	ID int64 `json:"id"`
}

type markSyncedRequest struct {
	IDs []int64 `json:"ids"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

type settingRequest struct {
	Value string `json:"value"`
}

type secretRequest struct {
	Secret string `json:"secret"`
}

type secretResponse struct {
	Account string `json:"account"`
	Secret  string `json:"secret"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
