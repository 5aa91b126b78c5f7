// Command storage-init provisions the todo tables and the events queue.
// Resources that already exist are left untouched.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const queueAlreadyExists = "QueueAlreadyExists"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	table := os.Getenv("TABLE_NAME")
	if connStr == "" || table == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING or TABLE_NAME")
	}
	indexTable := os.Getenv("OWNER_INDEX_TABLE")
	if indexTable == "" {
		indexTable = table + "OwnerIndex"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := createTables(ctx, connStr, []string{table, indexTable}); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueues(ctx, connStr, []string{os.Getenv("TODO_EVENTS_QUEUE")}); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	log.Info("storage init complete")
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
		if alreadyExists(err, string(aztables.TableAlreadyExists)) {
			log.Debugf("table %s already exists", name)
			continue
		}
		if err != nil {
			return err
		}
		log.Infof("table %s created", name)
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
		_, err = q.Create(ctx, nil)
		if alreadyExists(err, queueAlreadyExists) {
			log.Debugf("queue %s already exists", name)
			continue
		}
		if err != nil {
			return err
		}
		log.Infof("queue %s created", name)
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
