package domain

// ChangeStatus is the lifecycle of an optimistic stage change.
type ChangeStatus string

const (
	ChangePending    ChangeStatus = "pending"
	ChangeApplied    ChangeStatus = "applied"
	ChangeRolledBack ChangeStatus = "rolled_back"
	// ChangeSuperseded marks a change skipped because a later drop of the
	// same task was already executed.
	ChangeSuperseded ChangeStatus = "superseded"
)

// ChangeEnvelope wraps a stage change with the user performing it.
// Timestamp orders the changes of one task: a change is only written to
// the data source while no later change of the task has been.
type ChangeEnvelope struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Change    StageChange `json:"change"`
	Timestamp int64       `json:"timestamp"`
}

// ChangeRecord is the journaled state of a change.
type ChangeRecord struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"taskId"`
	From      *StageRef    `json:"from"`
	To        *StageRef    `json:"to"`
	Status    ChangeStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt int64        `json:"updatedAt"`
}
