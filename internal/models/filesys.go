package models

// FileOperation answers delete and rename. Deferred means the OS reported
// the file busy and the operation was queued for retry.
type FileOperation struct {
	Path     string `json:"path"`
	Target   string `json:"target,omitempty"`
	Deferred bool   `json:"deferred"`
}
