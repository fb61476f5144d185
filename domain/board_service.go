package domain

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// BoardSource is the data source holding stages and tasks.
type BoardSource interface {
	ListStages(ctx context.Context, titles []string) ([]Stage, error)
	ListTasks(ctx context.Context) ([]Task, error)
	UpdateTaskStage(ctx context.Context, taskID string, stageID *StageRef) error
}

// ChangeView is the local board view that shows changes before the data
// source confirms them.
type ChangeView interface {
	ApplyChange(ctx context.Context, env ChangeEnvelope) error
	ConfirmChange(ctx context.Context, env ChangeEnvelope) error
	RevertChange(ctx context.Context, env ChangeEnvelope) error
	// ClaimChange records env as the latest executed change of its task. It
	// reports false when a change with a later timestamp got there first.
	ClaimChange(ctx context.Context, env ChangeEnvelope) (bool, error)
}

// ChangeJournal records the outcome of every change.
type ChangeJournal interface {
	RecordChange(ctx context.Context, env ChangeEnvelope, status ChangeStatus, reason string) error
	GetChange(ctx context.Context, userID, changeID string) (ChangeRecord, error)
}

// BoardNotifier tells board subscribers that the view changed.
type BoardNotifier interface {
	NotifyBoardChanged(ctx context.Context, env ChangeEnvelope) error
}

// BoardService builds the board and runs drag and drop changes against it.
type BoardService struct {
	src     BoardSource
	view    ChangeView
	journal ChangeJournal
	notify  BoardNotifier
	stages  func() []string
}

// NewBoardService wires a board service. stageTitles is called on every
// read so layout reloads take effect immediately.
func NewBoardService(src BoardSource, view ChangeView, journal ChangeJournal, notify BoardNotifier, stageTitles func() []string) BoardService {
	return BoardService{src: src, view: view, journal: journal, notify: notify, stages: stageTitles}
}

// Board returns the current board. Tasks are only fetched once stages are
// known.
func (s BoardService) Board(ctx context.Context) (Board, error) {
	stages, err := s.src.ListStages(ctx, s.stages())
	if err != nil {
		return Board{}, fmt.Errorf("list stages: %w", err)
	}
	if len(stages) == 0 {
		return BuildBoard(nil, nil), nil
	}
	tasks, err := s.src.ListTasks(ctx)
	if err != nil {
		return Board{}, fmt.Errorf("list tasks: %w", err)
	}
	return BuildBoard(stages, tasks), nil
}

// Begin turns a drop into an optimistic change: the local view shows the
// new stage right away and the change is journaled as pending. It reports
// false when the drop needs no update.
func (s BoardService) Begin(ctx context.Context, userID, changeID string, ts int64, ev DropEvent) (ChangeEnvelope, bool, error) {
	if ev.TaskID == "" {
		return ChangeEnvelope{}, false, ErrInvalidDrop
	}
	change, ok := HandleDrop(ev)
	if !ok {
		return ChangeEnvelope{}, false, nil
	}
	env := ChangeEnvelope{ID: changeID, UserID: userID, Change: change, Timestamp: ts}

	if err := s.view.ApplyChange(ctx, env); err != nil {
		return ChangeEnvelope{}, false, fmt.Errorf("apply change: %w", err)
	}
	if err := s.journal.RecordChange(ctx, env, ChangePending, ""); err != nil {
		if rerr := s.view.RevertChange(ctx, env); rerr != nil {
			log.WithFields(log.Fields{"change": env.ID, "task": change.TaskID}).WithError(rerr).Error("revert after journal failure")
		}
		return ChangeEnvelope{}, false, fmt.Errorf("journal change: %w", err)
	}
	s.publish(ctx, env)
	return env, true, nil
}

// Execute writes the change to the data source. On failure the change is
// rolled back and the update error is returned. A change older than one
// already executed for the same task is journaled as superseded and never
// written.
func (s BoardService) Execute(ctx context.Context, env ChangeEnvelope) error {
	fields := log.Fields{"change": env.ID, "task": env.Change.TaskID}
	latest, err := s.view.ClaimChange(ctx, env)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("claim change, executing unordered")
		latest = true
	}
	if !latest {
		return s.supersede(ctx, env)
	}

	if err := s.src.UpdateTaskStage(ctx, env.Change.TaskID, env.Change.To); err != nil {
		return s.Rollback(ctx, env, err)
	}

	if err := s.view.ConfirmChange(ctx, env); err != nil {
		log.WithFields(fields).WithError(err).Warn("confirm change in view")
	}
	if err := s.journal.RecordChange(ctx, env, ChangeApplied, ""); err != nil {
		log.WithFields(fields).WithError(err).Error("journal applied change")
	}
	s.publish(ctx, env)
	return nil
}

// Rollback restores the previous stage of the task in the local view and
// journals the change as rolled back. The returned error wraps cause.
func (s BoardService) Rollback(ctx context.Context, env ChangeEnvelope, cause error) error {
	errs := []error{fmt.Errorf("update task %s: %w", env.Change.TaskID, cause)}
	if err := s.view.RevertChange(ctx, env); err != nil {
		errs = append(errs, fmt.Errorf("revert change: %w", err))
	}
	if err := s.journal.RecordChange(ctx, env, ChangeRolledBack, cause.Error()); err != nil {
		errs = append(errs, fmt.Errorf("journal rollback: %w", err))
	}
	s.publish(ctx, env)
	return errors.Join(errs...)
}

func (s BoardService) supersede(ctx context.Context, env ChangeEnvelope) error {
	fields := log.Fields{"change": env.ID, "task": env.Change.TaskID, "timestamp": env.Timestamp}
	if err := s.view.RevertChange(ctx, env); err != nil {
		log.WithFields(fields).WithError(err).Warn("release superseded change")
	}
	if err := s.journal.RecordChange(ctx, env, ChangeSuperseded, ""); err != nil {
		log.WithFields(fields).WithError(err).Error("journal superseded change")
	}
	log.WithFields(fields).Debug("change superseded by a later drop")
	s.publish(ctx, env)
	return nil
}

// Change returns the journaled state of a change made by userID.
func (s BoardService) Change(ctx context.Context, userID, changeID string) (ChangeRecord, error) {
	return s.journal.GetChange(ctx, userID, changeID)
}

func (s BoardService) publish(ctx context.Context, env ChangeEnvelope) {
	if s.notify == nil {
		return
	}
	if err := s.notify.NotifyBoardChanged(ctx, env); err != nil {
		log.WithField("change", env.ID).WithError(err).Warn("notify board change")
	}
}
