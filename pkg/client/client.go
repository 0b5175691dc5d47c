// Package client provides a small SDK around a Manager for callers
// that want to submit jobs and poll their outcome without depending
// directly on the internal queue/store packages.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/logger"
	"github.com/queuesvc/taskqueue/internal/manager"
	"github.com/queuesvc/taskqueue/internal/queue"
	"github.com/queuesvc/taskqueue/internal/store"
)

// pollInterval is how often SubmitAndWait checks for a terminal status.
const pollInterval = 200 * time.Millisecond

// Config connects a Client to Redis.
type Config struct {
	Host        string
	Port        int
	Password    string
	DB          int
	ServiceName string
}

// Client wraps a Manager with convenience methods for submitting jobs
// and reading back their outcome.
type Client struct {
	mgr    *manager.Manager
	client *redis.Client
}

// New connects to Redis and constructs a Client backed by a fresh
// Manager. The caller is responsible for registering processors and
// starting workers via Manager() if it intends to run jobs itself,
// rather than just submitting them for some other worker process.
func New(cfg Config) (*Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("client: connect to redis: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "taskqueue-client"
	}

	s := store.NewRedisStoreFromClient(redisClient)
	return &Client{
		mgr:    manager.New(serviceName, s, redisClient, logger.Default()),
		client: redisClient,
	}, nil
}

// Manager exposes the underlying Manager for callers that need direct
// access to queue administration or worker lifecycle control.
func (c *Client) Manager() *manager.Manager {
	return c.mgr
}

// SubmitJob enqueues data onto queueName with job options opts,
// creating the queue on first use with default queue.Options, and
// returns the created job.
func (c *Client) SubmitJob(ctx context.Context, queueName string, data []byte, opts job.Options, webhook *job.WebhookConfig) (*job.Job, error) {
	c.mgr.CreateQueue(queueName, queue.Options{})
	j, err := c.mgr.AddJob(ctx, queueName, data, opts, webhook)
	if err != nil {
		return nil, fmt.Errorf("client: submit job: %w", err)
	}
	return j, nil
}

// GetJob retrieves a job's current state from queueName.
func (c *Client) GetJob(ctx context.Context, queueName, jobID string) (*job.Job, error) {
	q := c.mgr.CreateQueue(queueName, queue.Options{})
	j, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("client: get job: %w", err)
	}
	return j, nil
}

// SubmitAndWait submits a job and polls until it reaches a terminal
// status (completed or failed) or the timeout elapses.
func (c *Client) SubmitAndWait(ctx context.Context, queueName string, data []byte, opts job.Options, timeout time.Duration) (*job.Job, error) {
	j, err := c.SubmitJob(ctx, queueName, data, opts, nil)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("client: job %s did not complete within %v", j.ID, timeout)
		case <-ticker.C:
			current, err := c.GetJob(ctx, queueName, j.ID)
			if err != nil {
				return nil, err
			}
			if current.Status == job.StatusCompleted || (current.Status == job.StatusFailed && !current.CanRetry()) {
				return current, nil
			}
		}
	}
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
