package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage carries a counters snapshot after a recompute
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Counters Counters  `json:"counters"`
	Progress float64   `json:"progress"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type     string   `json:"type"`
	JobID    string   `json:"jobId"`
	Counters Counters `json:"counters"`
}
