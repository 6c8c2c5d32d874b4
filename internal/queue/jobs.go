// Package queue defines the asynq tasks exchanged between the job API and
// the derivation worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// DeriveMediaTask is scheduled each time an image is accepted for
	// asynchronous derivation.
	DeriveMediaTask = "media:derive"

	maxRetry    = 5
	taskTimeout = 2 * time.Minute
)

// DerivePayload tells the worker which raw object to derive.
type DerivePayload struct {
	MediaID   string `json:"media_id"`
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewDeriveTask builds the task for payload. The media id doubles as the task
// id so a retried upload cannot be queued twice.
func NewDeriveTask(payload DerivePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(DeriveMediaTask, data,
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
		asynq.TaskID(payload.MediaID),
	), nil
}

// ParseDerivePayload decodes a task payload.
func ParseDerivePayload(task *asynq.Task) (DerivePayload, error) {
	var payload DerivePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DerivePayload{}, fmt.Errorf("decode payload: %w", err)
	}
	if payload.MediaID == "" || payload.ObjectKey == "" {
		return DerivePayload{}, fmt.Errorf("decode payload: missing media id or object key")
	}
	return payload, nil
}

// EnqueueDerive enqueues a derivation job.
func EnqueueDerive(ctx context.Context, client Enqueuer, payload DerivePayload) error {
	task, err := NewDeriveTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue derive task: %w", err)
	}
	return nil
}
