package messagequeue

// RunRequestPayload is the schema for pipeline.run.requested messages.
type RunRequestPayload struct {
	TaskID      string `json:"task_id"`
	OwnerID     string `json:"owner_id"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
	Model       string `json:"model"`
	RemoteURL   string `json:"remote_url,omitempty"`
}

// RunFinishedPayload is the schema for pipeline.run.finished messages.
type RunFinishedPayload struct {
	TaskID  string `json:"task_id"`
	OwnerID string `json:"owner_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}
