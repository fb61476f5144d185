package domain

import "time"

// Stage is a named board column a task can belong to.
type Stage struct {
	ID        ID        `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is a task assignee as shown on a card.
type User struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Task is a single board card.
type Task struct {
	ID          ID         `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Completed   bool       `json:"completed"`
	StageID     *StageRef  `json:"stageId"`
	Users       []User     `json:"users,omitempty"`
}

// Unassigned reports whether the task belongs to no stage.
func (t Task) Unassigned() bool {
	return t.StageID == nil
}
