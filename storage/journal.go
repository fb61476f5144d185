package storage

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"crm-board/domain"
)

type tableClient interface {
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
}

// Journal keeps the state of every stage change in a table, partitioned by
// the user who made it.
type Journal struct {
	table tableClient
}

// NewJournal creates a journal backed by the named table.
func NewJournal(connStr, table string) (*Journal, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Journal{table: svc.NewClient(table)}, nil
}

type changeEntity struct {
	aztables.Entity
	TaskID      string `json:"TaskID"`
	FromStageID string `json:"FromStageID"`
	ToStageID   string `json:"ToStageID"`
	Status      string `json:"Status"`
	Error       string `json:"Error"`
	UpdatedAt   int64  `json:"UpdatedAt"`
}

// RecordChange upserts the state of env.
func (j *Journal) RecordChange(ctx context.Context, env domain.ChangeEnvelope, status domain.ChangeStatus, reason string) error {
	payload, err := encodeChangeEntity(env, status, reason, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	_, err = j.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// GetChange returns the state of a change. Changes of other users are not
// visible.
func (j *Journal) GetChange(ctx context.Context, userID, changeID string) (domain.ChangeRecord, error) {
	resp, err := j.table.GetEntity(ctx, userID, changeID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return domain.ChangeRecord{}, domain.ErrChangeNotFound
		}
		return domain.ChangeRecord{}, err
	}
	return decodeChangeEntity(resp.Value)
}

func encodeChangeEntity(env domain.ChangeEnvelope, status domain.ChangeStatus, reason string, now int64) ([]byte, error) {
	ent := changeEntity{
		Entity:      aztables.Entity{PartitionKey: env.UserID, RowKey: env.ID},
		TaskID:      env.Change.TaskID,
		FromStageID: refString(env.Change.From),
		ToStageID:   refString(env.Change.To),
		Status:      string(status),
		Error:       reason,
		UpdatedAt:   now,
	}
	return sonic.Marshal(ent)
}

func decodeChangeEntity(data []byte) (domain.ChangeRecord, error) {
	var ent changeEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.ChangeRecord{}, err
	}
	return domain.ChangeRecord{
		ID:        ent.RowKey,
		TaskID:    ent.TaskID,
		From:      stringRef(ent.FromStageID),
		To:        stringRef(ent.ToStageID),
		Status:    domain.ChangeStatus(ent.Status),
		Error:     ent.Error,
		UpdatedAt: ent.UpdatedAt,
	}, nil
}

func refString(ref *domain.StageRef) string {
	if ref == nil {
		return ""
	}
	return string(*ref)
}

func stringRef(s string) *domain.StageRef {
	if s == "" {
		return nil
	}
	return domain.NewStageRef(s)
}
