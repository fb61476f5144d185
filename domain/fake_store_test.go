package domain

import (
	"context"
	"sync"
)

type fakeSource struct {
	stages    []Stage
	tasks     []Task
	stagesErr error
	tasksErr  error
	updateErr error

	mu           sync.Mutex
	stageTitles  []string
	taskCalls    int
	updates      []StageChange
	totals       TotalCounts
	dealStages   []DealStage
	audits       []Audit
	deals        []Deal
	dealIDsAsked [][]string
}

func (f *fakeSource) ListStages(ctx context.Context, titles []string) ([]Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageTitles = titles
	return f.stages, f.stagesErr
}

func (f *fakeSource) ListTasks(ctx context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskCalls++
	return f.tasks, f.tasksErr
}

func (f *fakeSource) UpdateTaskStage(ctx context.Context, taskID string, stageID *StageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, StageChange{TaskID: taskID, To: stageID})
	return f.updateErr
}

func (f *fakeSource) TotalCounts(ctx context.Context) (TotalCounts, error) {
	return f.totals, nil
}

func (f *fakeSource) DealStages(ctx context.Context, titles []string) ([]DealStage, error) {
	return f.dealStages, nil
}

func (f *fakeSource) LatestAudits(ctx context.Context, limit int) ([]Audit, error) {
	if limit < len(f.audits) {
		return f.audits[:limit], nil
	}
	return f.audits, nil
}

func (f *fakeSource) DealsByID(ctx context.Context, ids []string) ([]Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dealIDsAsked = append(f.dealIDsAsked, ids)
	return f.deals, nil
}

type viewCall struct {
	op     string
	change string
}

type fakeView struct {
	applyErr error
	claimErr error
	calls    []viewCall
	latest   map[string]int64
}

func (f *fakeView) ClaimChange(ctx context.Context, env ChangeEnvelope) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.latest == nil {
		f.latest = map[string]int64{}
	}
	if ts, ok := f.latest[env.Change.TaskID]; ok && ts > env.Timestamp {
		return false, nil
	}
	f.latest[env.Change.TaskID] = env.Timestamp
	return true, nil
}

func (f *fakeView) ApplyChange(ctx context.Context, env ChangeEnvelope) error {
	f.calls = append(f.calls, viewCall{"apply", env.ID})
	return f.applyErr
}

func (f *fakeView) ConfirmChange(ctx context.Context, env ChangeEnvelope) error {
	f.calls = append(f.calls, viewCall{"confirm", env.ID})
	return nil
}

func (f *fakeView) RevertChange(ctx context.Context, env ChangeEnvelope) error {
	f.calls = append(f.calls, viewCall{"revert", env.ID})
	return nil
}

type fakeJournal struct {
	recordErr error
	records   map[string]ChangeRecord
	statuses  []ChangeStatus
}

func (f *fakeJournal) RecordChange(ctx context.Context, env ChangeEnvelope, status ChangeStatus, reason string) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	if f.records == nil {
		f.records = map[string]ChangeRecord{}
	}
	f.statuses = append(f.statuses, status)
	f.records[env.UserID+"/"+env.ID] = ChangeRecord{
		ID: env.ID, TaskID: env.Change.TaskID, From: env.Change.From, To: env.Change.To,
		Status: status, Error: reason,
	}
	return nil
}

func (f *fakeJournal) GetChange(ctx context.Context, userID, changeID string) (ChangeRecord, error) {
	rec, ok := f.records[userID+"/"+changeID]
	if !ok {
		return ChangeRecord{}, ErrChangeNotFound
	}
	return rec, nil
}

type fakeNotifier struct {
	count int
}

func (f *fakeNotifier) NotifyBoardChanged(ctx context.Context, env ChangeEnvelope) error {
	f.count++
	return nil
}
