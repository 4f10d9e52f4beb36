package protocol

// Poll response types reported by the relay long-poll endpoint.
const (
	PollTypeUpdatesAvailable = "updates-available"
	PollTypeNoUpdates        = "no-updates"
)

// Event types emitted alongside sync traffic. Clients surface these to UIs.
const (
	EventStatusChange    = "status-change"
	EventSyncComplete    = "sync-complete"
	EventUpdatesReceived = "updates-received"
)

// UpdateMetadata describes a stored update without its payload.
type UpdateMetadata struct {
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
	UpdateID  string `json:"updateId"`
}

// SyncStateResponse answers registration and plain pull requests.
type SyncStateResponse struct {
	DocID        string           `json:"docId"`
	Clients      []string         `json:"clients"`
	Updates      []UpdateMetadata `json:"updates"`
	LastActivity int64            `json:"lastActivity"`
	ServerTime   int64            `json:"serverTime"`
}

// PollResponse answers long-poll requests.
type PollResponse struct {
	Type      string `json:"type"`
	DocID     string `json:"docId"`
	Timestamp int64  `json:"timestamp"`
	RateLimit bool   `json:"rateLimit,omitempty"`
}

// PushRequest uploads one exported update blob.
type PushRequest struct {
	DocID    string  `json:"docId"`
	ClientID string  `json:"clientId"`
	Updates  Payload `json:"updates"`
	UpdateID string  `json:"updateId"`
}

// PushResponse acknowledges a stored update.
type PushResponse struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
}

// FetchRequest asks for one update payload by identifier.
type FetchRequest struct {
	DocID    string `json:"docId"`
	UpdateID string `json:"updateId"`
}

// FetchResponse carries one update payload.
type FetchResponse struct {
	DocID     string  `json:"docId"`
	UpdateID  string  `json:"updateId"`
	Updates   Payload `json:"updates"`
	Timestamp int64   `json:"timestamp"`
	ClientID  string  `json:"clientId"`
}

// SnapshotRequest uploads a compacted document snapshot for archival.
type SnapshotRequest struct {
	DocID      string  `json:"docId"`
	ClientID   string  `json:"clientId"`
	Snapshot   Payload `json:"snapshot"`
	VersionTag string  `json:"versionTag,omitempty"`
}

// SnapshotResponse acknowledges an archived snapshot.
type SnapshotResponse struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
}

// ErrorResponse is the uniform error body for every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
