package client

import (
	"fmt"
	"time"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// ServiceStatus mirrors the status object returned by the admin API.
type ServiceStatus struct {
	Name          string         `json:"name"`
	Path          string         `json:"path"`
	Description   string         `json:"description,omitempty"`
	Version       string         `json:"version"`
	State         protocol.State `json:"state"`
	AutoStart     bool           `json:"auto_start"`
	PID           int            `json:"pid,omitempty"`
	Instance      string         `json:"instance,omitempty"`
	Dependencies  []string       `json:"dependencies"`
	Pending       int            `json:"pending"`
	LastHeartbeat time.Time      `json:"last_heartbeat,omitempty"`
	RunningSince  time.Time      `json:"running_since,omitempty"`
	StopRequested bool           `json:"stop_requested,omitempty"`
	Declared      []string       `json:"declared_dependencies,omitempty"`
	Integrations  []string       `json:"integrations,omitempty"`
}

// WaitStatus describes a service held back by unmet dependencies.
type WaitStatus struct {
	Service      string    `json:"service"`
	Unmet        []string  `json:"unmet"`
	Unregistered []string  `json:"unregistered,omitempty"`
	Since        time.Time `json:"since"`
}

type waitingResponse struct {
	Waiting bool        `json:"waiting"`
	Status  *WaitStatus `json:"status,omitempty"`
}

// StartResult is the outcome of starting one service through StartAll.
type StartResult struct {
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

// Usage is the latest resource sample of a service process.
type Usage struct {
	Service    string    `json:"service"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse is the error body of the admin API.
type ErrorResponse struct {
	Error  string `json:"error"`
	Signal string `json:"signal,omitempty"`
}

// APIError is returned for every non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string
	// Signal is set when the supervisor rejected a lifecycle operation.
	Signal protocol.Signal
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match the lifecycle signal, e.g.
// errors.Is(err, protocol.SignalRunning).
func (e *APIError) Unwrap() error {
	if e.Signal == "" {
		return nil
	}
	return e.Signal
}

// Token is a bearer token issued by the login endpoint.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
