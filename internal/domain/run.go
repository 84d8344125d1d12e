package domain

type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Active reports whether the run holds its site's single active slot.
func (s RunStatus) Active() bool {
	return s == RunStatusQueued || s == RunStatusProcessing
}
