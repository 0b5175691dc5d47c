package client

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/queue"
)

func setupTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}
	c, err := New(Config{Host: mr.Host(), Port: port})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSubmitJob_CreatesQueueAndJob(t *testing.T) {
	c := setupTestClient(t)
	j, err := c.SubmitJob(context.Background(), "emails", json.RawMessage(`{"to":"a@b.com"}`), job.Options{}, nil)
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}
	if j.QueueName != "emails" {
		t.Errorf("expected queue emails, got %s", j.QueueName)
	}
	if j.Status != job.StatusWaiting {
		t.Errorf("expected waiting status, got %s", j.Status)
	}
}

func TestGetJob_ReturnsSubmittedJob(t *testing.T) {
	c := setupTestClient(t)
	submitted, err := c.SubmitJob(context.Background(), "emails", json.RawMessage(`{}`), job.Options{}, nil)
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}

	fetched, err := c.GetJob(context.Background(), "emails", submitted.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if fetched.ID != submitted.ID {
		t.Errorf("expected id %s, got %s", submitted.ID, fetched.ID)
	}
}

func TestSubmitAndWait_ReturnsCompletedJob(t *testing.T) {
	c := setupTestClient(t)
	c.Manager().CreateQueue("emails", queue.Options{})
	if err := c.Manager().RegisterProcessor("emails", func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		return json.Marshal(map[string]bool{"sent": true})
	}); err != nil {
		t.Fatalf("register processor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := c.Manager().StartWorker(ctx, "emails", 1); err != nil {
		t.Fatalf("start worker: %v", err)
	}

	result, err := c.SubmitAndWait(context.Background(), "emails", json.RawMessage(`{"to":"a@b.com"}`), job.Options{}, 2*time.Second)
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	if result.Status != job.StatusCompleted {
		t.Errorf("expected completed status, got %s", result.Status)
	}
}

func TestSubmitAndWait_TimesOutWithNoWorker(t *testing.T) {
	c := setupTestClient(t)
	_, err := c.SubmitAndWait(context.Background(), "emails", json.RawMessage(`{}`), job.Options{}, 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error with no worker draining the queue")
	}
}
