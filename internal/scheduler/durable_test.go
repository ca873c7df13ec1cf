package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:scheduler_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestScheduler(t *testing.T, db *gorm.DB, baseURL string, clock func() time.Time) *DurableScheduler {
	t.Helper()

	sched, err := NewDurableScheduler(DurableSchedulerConfig{
		Database:        db,
		CallbackBaseURL: baseURL,
		CallbackSecret:  "test-secret",
		PollInterval:    5 * time.Millisecond,
		RetryDelay:      time.Minute,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}
	return sched
}

func taskState(t *testing.T, db *gorm.DB, handle TaskHandle) TaskRecord {
	t.Helper()
	var record TaskRecord
	if err := db.Where("handle = ?", handle.String()).Take(&record).Error; err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	return record
}

func TestEnqueueRequiresCallbackName(t *testing.T) {
	db := newTestDB(t)
	sched := newTestScheduler(t, db, "http://127.0.0.1:0", time.Now)

	_, err := sched.Enqueue(context.Background(), QueueFlareExpiry, "", nil, time.Now().UnixMilli())
	if err != ErrEmptyCallback {
		t.Fatalf("expected ErrEmptyCallback, got %v", err)
	}
}

func TestDispatchDeliversDueTaskWithSecret(t *testing.T) {
	db := newTestDB(t)

	var delivered atomic.Int32
	var gotSecret atomic.Value
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callbacks/"+CallbackFlareExpiry {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotSecret.Store(r.Header.Get(SecretHeader))
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			gotBody.Store(payload["flareId"])
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sched := newTestScheduler(t, db, server.URL, time.Now)
	handle, err := sched.Enqueue(context.Background(), QueueFlareExpiry, CallbackFlareExpiry,
		[]byte(`{"flareId":"flare-1"}`), time.Now().Add(-time.Second).UnixMilli())
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	sched.dispatchDue(context.Background())

	if delivered.Load() != 1 {
		t.Fatalf("expected one delivery, got %d", delivered.Load())
	}
	if gotSecret.Load() != "test-secret" {
		t.Fatalf("unexpected secret header: %v", gotSecret.Load())
	}
	if gotBody.Load() != "flare-1" {
		t.Fatalf("unexpected payload: %v", gotBody.Load())
	}
	record := taskState(t, db, handle)
	if record.State != TaskStateCompleted {
		t.Fatalf("expected completed state, got %s", record.State)
	}
	if record.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", record.Attempts)
	}
}

func TestDispatchSkipsFutureTasks(t *testing.T) {
	db := newTestDB(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected delivery")
	}))
	defer server.Close()

	sched := newTestScheduler(t, db, server.URL, time.Now)
	handle, err := sched.Enqueue(context.Background(), QueueFlareExpiry, CallbackFlareExpiry,
		[]byte(`{}`), time.Now().Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	sched.dispatchDue(context.Background())

	if record := taskState(t, db, handle); record.State != TaskStatePending {
		t.Fatalf("expected pending state, got %s", record.State)
	}
}

func TestFailedDeliveryReturnsTaskToPendingWithDelay(t *testing.T) {
	db := newTestDB(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	base := time.Unix(1700000000, 0).UTC()
	sched := newTestScheduler(t, db, server.URL, func() time.Time { return base })
	handle, err := sched.Enqueue(context.Background(), QueueFlareExpiry, CallbackFlareExpiry,
		[]byte(`{}`), base.Add(-time.Second).UnixMilli())
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	sched.dispatchDue(context.Background())

	record := taskState(t, db, handle)
	if record.State != TaskStatePending {
		t.Fatalf("expected pending state after failure, got %s", record.State)
	}
	if record.RunAtMillis != base.Add(time.Minute).UnixMilli() {
		t.Fatalf("expected retry delay, got %d", record.RunAtMillis)
	}
	if record.LastError == "" {
		t.Fatalf("expected recorded failure reason")
	}
}

func TestCancelOnlyAffectsPendingTasks(t *testing.T) {
	db := newTestDB(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sched := newTestScheduler(t, db, server.URL, time.Now)
	ctx := context.Background()

	pending, err := sched.Enqueue(ctx, QueueFlareExpiry, CallbackFlareExpiry, []byte(`{}`), time.Now().Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	fired, err := sched.Enqueue(ctx, QueueFlareExpiry, CallbackFlareExpiry, []byte(`{}`), time.Now().Add(-time.Second).UnixMilli())
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	sched.dispatchDue(ctx)

	if err := sched.Cancel(ctx, pending); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if err := sched.Cancel(ctx, fired); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if err := sched.Cancel(ctx, TaskHandle("missing")); err != nil {
		t.Fatalf("expected unknown-handle cancel to be a no-op, got %v", err)
	}

	if record := taskState(t, db, pending); record.State != TaskStateCancelled {
		t.Fatalf("expected cancelled state, got %s", record.State)
	}
	if record := taskState(t, db, fired); record.State != TaskStateCompleted {
		t.Fatalf("expected fired task untouched, got %s", record.State)
	}
}

func TestRunPullsTaskForward(t *testing.T) {
	db := newTestDB(t)

	var delivered atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sched := newTestScheduler(t, db, server.URL, time.Now)
	ctx := context.Background()

	handle, err := sched.Enqueue(ctx, QueueFlareExpiry, CallbackFlareExpiry, []byte(`{}`), time.Now().Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	sched.dispatchDue(ctx)
	if delivered.Load() != 0 {
		t.Fatalf("expected no delivery before Run")
	}

	if err := sched.Run(ctx, handle); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	sched.dispatchDue(ctx)

	if delivered.Load() != 1 {
		t.Fatalf("expected delivery after Run, got %d", delivered.Load())
	}
	if record := taskState(t, db, handle); record.State != TaskStateCompleted {
		t.Fatalf("expected completed state, got %s", record.State)
	}
}
