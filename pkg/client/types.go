package client

import "time"

// ClientStatus is one row of GET /clients.
type ClientStatus struct {
	ID         int64        `json:"id"`
	Name       string       `json:"name"`
	ConfigPath string       `json:"config_path"`
	Enabled    bool         `json:"enabled"`
	AlwaysOn   bool         `json:"always_on"`
	Status     string       `json:"status"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Running    bool         `json:"running"`
	Zombie     bool         `json:"zombie"`
	AdminPort  int          `json:"admin_port,omitempty"`
	PIDs       []int        `json:"pids,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	State      string       `json:"state"`
	LastForced time.Time    `json:"last_forced,omitempty"`
	Restarts   RestartStats `json:"restarts"`
}

// RestartStats mirrors the restart limiter record of a client.
type RestartStats struct {
	AttemptCount        int       `json:"attempt_count"`
	LastRestart         time.Time `json:"last_restart"`
	WindowStart         time.Time `json:"window_start"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
}

// ClientRecord is a stored client record as returned by create and update.
type ClientRecord struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	ConfigPath string    `json:"config_path"`
	Enabled    bool      `json:"enabled"`
	AlwaysOn   bool      `json:"always_on"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ClientRequest creates or patches a client; nil fields are left unchanged.
type ClientRequest struct {
	Name       *string `json:"name,omitempty"`
	ConfigPath *string `json:"config_path,omitempty"`
	Enabled    *bool   `json:"enabled,omitempty"`
	AlwaysOn   *bool   `json:"always_on,omitempty"`
}

// Result is the outcome of start, stop and restart.
type Result struct {
	OK      bool          `json:"ok"`
	Message string        `json:"message"`
	PID     int           `json:"pid,omitempty"`
	Killed  []int         `json:"killed,omitempty"`
	Record  *RestartStats `json:"record,omitempty"`
}

type Alert struct {
	ID         int64     `json:"id"`
	ClientID   int64     `json:"client_id"`
	ClientName string    `json:"client_name"`
	Type       string    `json:"alert_type"`
	Message    string    `json:"message"`
	SentTo     string    `json:"sent_to"`
	SentAt     time.Time `json:"sent_at"`
	Resolved   bool      `json:"resolved"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}
