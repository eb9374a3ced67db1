package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/api/option"
)

// CloudTasks enqueues each workflow run as one HTTP task. Retry with
// exponential backoff and dead-lettering are configured at the queue level;
// the task's dispatch count maps onto the run's attemptCount downstream.
type CloudTasks struct {
	client       *cloudtasks.Client
	queuePath    string
	targetURL    string
	serviceToken string
	logger       *slog.Logger
}

// NewCloudTasks connects to the Cloud Tasks queue identified by
// (projectID, locationID, queueID). targetURL is the executor endpoint each
// task POSTs to; serviceToken authenticates the delivery.
func NewCloudTasks(projectID, locationID, queueID, targetURL, serviceToken string, logger *slog.Logger, opts ...option.ClientOption) (*CloudTasks, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	return &CloudTasks{
		client:       client,
		queuePath:    fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL:    targetURL,
		serviceToken: serviceToken,
		logger:       logger,
	}, nil
}

// Enqueue creates the task synchronously; the run coordinator needs the
// accept/reject outcome to decide whether to keep the run row.
func (q *CloudTasks) Enqueue(ctx context.Context, job RunJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize run job: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: q.queuePath,
		Task: &taskspb.Task{
			// Name the task after the run id so a duplicate enqueue within
			// the dedup window is rejected by Cloud Tasks itself.
			Name: fmt.Sprintf("%s/tasks/run-%s", q.queuePath, job.RunID),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        q.targetURL,
					Headers: map[string]string{
						"Content-Type":    "application/json",
						"X-Service-Token": q.serviceToken,
					},
					Body: payload,
				},
			},
		},
	}

	if _, err := q.client.CreateTask(ctx, req); err != nil {
		q.logger.Error("cloud task enqueue failed", "runId", job.RunID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	q.logger.Info("enqueued workflow run", "runId", job.RunID, "orgId", job.OrganizationID)
	return nil
}

// Close releases the Cloud Tasks client.
func (q *CloudTasks) Close() error {
	return q.client.Close()
}
