package ipc

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents daemon runtime information.
type StatusResponse struct {
	Running         bool   `json:"running"`
	DeviceConnected bool   `json:"device_connected"`
	ActiveSessionID string `json:"active_session_id"`
	QueuedWrites    int    `json:"queued_writes"`
	DataSocketPath  string `json:"data_socket_path"`
	JournalPath     string `json:"journal_path"`
	LockPath        string `json:"lock_path"`
	PID             int    `json:"pid"`
}

// PingRequest probes daemon liveness.
type PingRequest struct{}

// PingResponse reports device presence.
type PingResponse struct {
	DeviceConnected bool `json:"device_connected"`
}

// EventsRequest fetches recent journal events.
type EventsRequest struct {
	Limit int `json:"limit"`
}

// Event is a journal row in wire form.
type Event struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"created_at"`
}

// EventsResponse contains journal events, newest first.
type EventsResponse struct {
	Events []Event `json:"events"`
}

// StopRequest asks the daemon to shut down.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}
