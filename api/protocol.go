package api

import "crm-board/domain"

const (
	dropMaxSize          = 64 * 1024 // 64 KiB
	maxIdempotencyKeyLen = 128
)

// POST /api/board/drops request body
type dropRequest struct {
	TaskID         domain.ID `json:"taskId"`
	SourceStageID  domain.ID `json:"sourceStageId"`
	TargetStageID  domain.ID `json:"targetStageId"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

func (r dropRequest) event() domain.DropEvent {
	return domain.DropEvent{
		TaskID:        r.TaskID.String(),
		SourceStageID: r.SourceStageID.String(),
		TargetStageID: r.TargetStageID.String(),
	}
}

// POST /api/board/drops response body
type dropResponse struct {
	ChangeID  string `json:"changeId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GET /api/board/columns/:stageId/new-task response body
type newTaskResponse struct {
	Location string `json:"location"`
}

// GET /api/dashboard/deals-chart response body
type dealsChartResponse struct {
	Points []domain.ChartPoint `json:"points"`
}

// GET /api/dashboard/activities response body
type activitiesResponse struct {
	Activities []domain.Activity `json:"activities"`
}
