// Package apitypes provides API response types for the skyferry status API.
package apitypes

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Stats summarizes the transfers seen by this process.
type Stats struct {
	TotalTracked int            `json:"total_tracked"`
	Active       int            `json:"active"`
	ByState      map[string]int `json:"by_state,omitempty"`
	// OpenUploads is the number of journaled multipart uploads, or -1
	// without a journal.
	OpenUploads int `json:"open_uploads"`
}

// Transfer is the observable state of one transfer.
type Transfer struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	LocalPath string `json:"local_path,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`

	Size        int64 `json:"size"`
	PartCount   int   `json:"part_count"`
	PartsDone   int   `json:"parts_done"`
	RetryCount  int   `json:"retry_count"`
	Transferred int64 `json:"transferred,omitempty"`

	Hash     string `json:"hash,omitempty"`
	Version  string `json:"version,omitempty"`
	UploadID string `json:"upload_id,omitempty"`

	Parts []Part `json:"parts,omitempty"`

	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// Part is the state of one part of a transfer.
type Part struct {
	Index      int    `json:"index"`
	Offset     int64  `json:"offset"`
	Length     int64  `json:"length"`
	State      string `json:"state"`
	RetryCount int    `json:"retry_count"`
	ID         string `json:"id,omitempty"`
}

// Upload is an open multipart upload recorded in the journal.
type Upload struct {
	ID         string `json:"id"`
	UploadID   string `json:"upload_id"`
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path,omitempty"`
	CreatedAt  string `json:"created_at"`
}
