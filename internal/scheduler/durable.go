package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SecretHeader carries the shared callback secret on dispatched requests.
const SecretHeader = "X-Flarecast-Callback-Secret"

// Task lifecycle states.
const (
	TaskStatePending     = "pending"
	TaskStateDispatching = "dispatching"
	TaskStateCompleted   = "completed"
	TaskStateCancelled   = "cancelled"
)

const (
	defaultPollInterval = time.Second
	defaultRetryDelay   = 30 * time.Second
	dispatchBatchSize   = 32
)

var (
	errMissingDatabase = errors.New("scheduler: database handle is required")
	errMissingBaseURL  = errors.New("scheduler: callback base url is required")
	noOpLogger         = zap.NewNop()
)

// TaskRecord persists one enqueued task.
type TaskRecord struct {
	Handle      string `gorm:"column:handle;primaryKey;size:190;not null"`
	Queue       string `gorm:"column:queue;size:190;not null"`
	Callback    string `gorm:"column:callback;size:190;not null"`
	Payload     string `gorm:"column:payload;type:text;not null"`
	RunAtMillis int64  `gorm:"column:run_at_ms;not null;index:idx_tasks_state_run,priority:2"`
	State       string `gorm:"column:state;size:32;not null;index:idx_tasks_state_run,priority:1"`
	Attempts    int    `gorm:"column:attempts;not null;default:0"`
	LastError   string `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (TaskRecord) TableName() string {
	return "scheduled_tasks"
}

// DurableSchedulerConfig describes the dependencies of the durable scheduler.
type DurableSchedulerConfig struct {
	Database        *gorm.DB
	CallbackBaseURL string
	CallbackSecret  string
	PollInterval    time.Duration
	RetryDelay      time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// DurableScheduler stores tasks in the database and delivers them over HTTP.
// Delivery is at-least-once: a non-2xx response leaves the task pending for
// redelivery after RetryDelay.
type DurableScheduler struct {
	db           *gorm.DB
	client       *resty.Client
	baseURL      string
	secret       string
	pollInterval time.Duration
	retryDelay   time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	done         chan struct{}
}

// NewDurableScheduler constructs the scheduler, validating its configuration.
func NewDurableScheduler(cfg DurableSchedulerConfig) (*DurableScheduler, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.CallbackBaseURL == "" {
		return nil, errMissingBaseURL
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	client := resty.New().
		SetBaseURL(cfg.CallbackBaseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)

	return &DurableScheduler{
		db:           cfg.Database,
		client:       client,
		baseURL:      cfg.CallbackBaseURL,
		secret:       cfg.CallbackSecret,
		pollInterval: pollInterval,
		retryDelay:   retryDelay,
		clock:        clock,
		logger:       logger,
		done:         make(chan struct{}),
	}, nil
}

// Enqueue registers a task for delivery at atEpochMillis.
func (s *DurableScheduler) Enqueue(ctx context.Context, queue, callback string, payload []byte, atEpochMillis int64) (TaskHandle, error) {
	if callback == "" {
		return "", ErrEmptyCallback
	}

	handle, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	record := TaskRecord{
		Handle:      handle.String(),
		Queue:       queue,
		Callback:    callback,
		Payload:     string(payload),
		RunAtMillis: atEpochMillis,
		State:       TaskStatePending,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", err
	}
	return TaskHandle(record.Handle), nil
}

// Cancel drops a pending task; unknown or already-fired handles are a no-op.
func (s *DurableScheduler) Cancel(ctx context.Context, handle TaskHandle) error {
	return s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("handle = ? AND state = ?", handle.String(), TaskStatePending).
		Update("state", TaskStateCancelled).Error
}

// Run reschedules a pending task to now so the next dispatch pass fires it.
func (s *DurableScheduler) Run(ctx context.Context, handle TaskHandle) error {
	return s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("handle = ? AND state = ?", handle.String(), TaskStatePending).
		Update("run_at_ms", s.clock().UnixMilli()).Error
}

// Start launches the dispatch loop until ctx is cancelled.
func (s *DurableScheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchDue(ctx)
			}
		}
	}()
}

// Wait blocks until the dispatch loop has stopped.
func (s *DurableScheduler) Wait() {
	<-s.done
}

func (s *DurableScheduler) dispatchDue(ctx context.Context) {
	now := s.clock().UnixMilli()

	var due []TaskRecord
	err := s.db.WithContext(ctx).
		Where("state = ? AND run_at_ms <= ?", TaskStatePending, now).
		Order("run_at_ms ASC").
		Limit(dispatchBatchSize).
		Find(&due).Error
	if err != nil {
		s.logger.Error("scheduler poll failed", zap.Error(err))
		return
	}

	for _, task := range due {
		claimed := s.db.WithContext(ctx).Model(&TaskRecord{}).
			Where("handle = ? AND state = ?", task.Handle, TaskStatePending).
			Update("state", TaskStateDispatching)
		if claimed.Error != nil || claimed.RowsAffected == 0 {
			continue
		}
		s.deliver(ctx, task)
	}
}

func (s *DurableScheduler) deliver(ctx context.Context, task TaskRecord) {
	response, err := s.client.R().
		SetContext(ctx).
		SetHeader(SecretHeader, s.secret).
		SetBody([]byte(task.Payload)).
		Post("/callbacks/" + task.Callback)

	if err == nil && response.IsSuccess() {
		s.db.WithContext(ctx).Model(&TaskRecord{}).
			Where("handle = ?", task.Handle).
			Updates(map[string]interface{}{
				"state":    TaskStateCompleted,
				"attempts": task.Attempts + 1,
			})
		return
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	} else {
		reason = fmt.Sprintf("callback status %d", response.StatusCode())
	}
	s.logger.Warn("scheduler delivery failed",
		zap.String("handle", task.Handle),
		zap.String("callback", task.Callback),
		zap.String("reason", reason))

	s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("handle = ?", task.Handle).
		Updates(map[string]interface{}{
			"state":      TaskStatePending,
			"attempts":   task.Attempts + 1,
			"last_error": reason,
			"run_at_ms":  s.clock().Add(s.retryDelay).UnixMilli(),
		})
}
