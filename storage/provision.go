package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const queueAlreadyExists = "QueueAlreadyExists"

// Provision creates the change journal table and, when named, the change
// queue. Existing resources are left untouched.
func Provision(ctx context.Context, connStr, table, queue string) error {
	if err := createTables(ctx, connStr, []string{table}); err != nil {
		return err
	}
	return createQueues(ctx, connStr, []string{queue})
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Info("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, queueAlreadyExists) {
			return err
		}
		log.WithField("queue", name).Info("queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
