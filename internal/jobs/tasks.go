// Package jobs carries post-commit events onto the background queue.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeUserRegistered fires after a user record is persisted.
	TaskTypeUserRegistered = "rbac:user_registered"
	// TaskTypeRoleUpdated fires after a user's role assignment changes.
	TaskTypeRoleUpdated = "rbac:role_updated"
)

// UserRegisteredPayload describes a freshly registered user.
type UserRegisteredPayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
}

// RoleUpdatedPayload describes a role assignment change.
type RoleUpdatedPayload struct {
	UserID   string `json:"user_id"`
	RoleName string `json:"role_name"`
}

// Notifier is an rbac.Observer that enqueues events for the worker.
// Delivery is at least once and best effort: an enqueue failure is
// reported as a hook error, which the mutation service logs and drops;
// the committed mutation stands either way.
type Notifier struct {
	client *asynq.Client
}

// NewNotifier constructs a Notifier on the given Redis broker.
func NewNotifier(redisOpts asynq.RedisClientOpt) *Notifier {
	return &Notifier{client: asynq.NewClient(redisOpts)}
}

// Close releases the underlying queue client.
func (n *Notifier) Close() error {
	return n.client.Close()
}

var _ rbac.Observer = (*Notifier)(nil)

// OnUserRegister enqueues a user-registered event.
func (n *Notifier) OnUserRegister(ctx context.Context, user rbac.User) error {
	data, err := json.Marshal(UserRegisteredPayload{UserID: user.UserID, Name: user.Name, Email: user.Email})
	if err != nil {
		return fmt.Errorf("jobs: marshal user registered: %w", err)
	}
	task := asynq.NewTask(TaskTypeUserRegistered, data)
	if _, err := n.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault)); err != nil {
		return fmt.Errorf("jobs: enqueue user registered: %w", err)
	}
	return nil
}

// OnRoleUpdate enqueues a role-updated event.
func (n *Notifier) OnRoleUpdate(ctx context.Context, userID string, role rbac.Role) error {
	data, err := json.Marshal(RoleUpdatedPayload{UserID: userID, RoleName: role.Name})
	if err != nil {
		return fmt.Errorf("jobs: marshal role updated: %w", err)
	}
	task := asynq.NewTask(TaskTypeRoleUpdated, data)
	if _, err := n.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault)); err != nil {
		return fmt.Errorf("jobs: enqueue role updated: %w", err)
	}
	return nil
}

// Worker wraps the Asynq server consuming the event queue.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	logger  *slog.Logger
	metrics *Metrics
}

// NewWorker constructs a Worker instance.
func NewWorker(redisOpts asynq.RedisClientOpt, logger *slog.Logger) *Worker {
	srv := asynq.NewServer(redisOpts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	w := &Worker{server: srv, mux: mux, logger: logger, metrics: NewMetrics(nil)}
	mux.HandleFunc(TaskTypeUserRegistered, w.handleUserRegistered)
	mux.HandleFunc(TaskTypeRoleUpdated, w.handleRoleUpdated)
	return w
}

// Run blocks processing tasks until Shutdown.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

// Shutdown stops the server, waiting for in-flight tasks.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleUserRegistered(ctx context.Context, t *asynq.Task) error {
	tracker := w.metrics.Track(TaskTypeUserRegistered)
	var payload UserRegisteredPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	// Placeholder for host-side integrations (welcome mail, CRM sync).
	w.logger.Info("user registered",
		slog.String("user_id", payload.UserID),
		slog.String("email", payload.Email),
		slog.Time("seen_at", time.Now().UTC()))
	return tracker.End(nil)
}

func (w *Worker) handleRoleUpdated(ctx context.Context, t *asynq.Task) error {
	tracker := w.metrics.Track(TaskTypeRoleUpdated)
	var payload RoleUpdatedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	w.logger.Info("role updated",
		slog.String("user_id", payload.UserID),
		slog.String("role", payload.RoleName))
	return tracker.End(nil)
}
