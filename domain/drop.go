package domain

import "net/url"

// DropEvent is the end of a card drag: the dragged task, the column it
// came from and the column it was dropped on.
type DropEvent struct {
	TaskID        string `json:"taskId"`
	SourceStageID string `json:"sourceStageId"`
	TargetStageID string `json:"targetStageId"`
}

// StageChange moves a task from one stage to another. A nil stage is the
// unassigned column.
type StageChange struct {
	TaskID string    `json:"taskId"`
	From   *StageRef `json:"from"`
	To     *StageRef `json:"to"`
}

// HandleDrop turns a drop into a stage change. It reports false when the
// drop needs no update: the card went back to its own column or was not
// dropped on any column. The target is not validated.
func HandleDrop(ev DropEvent) (StageChange, bool) {
	if ev.TargetStageID == "" || ev.TargetStageID == ev.SourceStageID {
		return StageChange{}, false
	}
	return StageChange{
		TaskID: ev.TaskID,
		From:   stageRefFromColumn(ev.SourceStageID),
		To:     stageRefFromColumn(ev.TargetStageID),
	}, true
}

func stageRefFromColumn(columnID string) *StageRef {
	if columnID == "" || columnID == UnassignedStageID {
		return nil
	}
	return NewStageRef(columnID)
}

const newTaskPath = "/tasks/new"

// NewTaskRoute is where the add-card button of a column leads. Real stages
// are pre-selected through the stageId query parameter.
func NewTaskRoute(stageID string) string {
	if stageID == "" || stageID == UnassignedStageID {
		return newTaskPath
	}
	return newTaskPath + "?" + url.Values{"stageId": {stageID}}.Encode()
}
