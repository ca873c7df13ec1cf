package flare

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/heliograph-labs/flarecast/internal/notify"
	"github.com/heliograph-labs/flarecast/internal/scheduler"
	"github.com/heliograph-labs/flarecast/internal/social"
	"github.com/heliograph-labs/flarecast/internal/store"
)

// testNow is the fixed wall clock of every service test. It is a Tuesday.
var testNow = time.Date(2026, time.March, 3, 18, 30, 0, 0, time.UTC)

type staticIDGenerator struct {
	mu    sync.Mutex
	count int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count++
	return fmt.Sprintf("id-%04d", g.count), nil
}

type scheduledTask struct {
	handle   scheduler.TaskHandle
	queue    string
	callback string
	payload  []byte
	runAt    int64
}

// recordingScheduler captures every queue interaction in order so tests can
// assert sequencing, e.g. that a replacement deadline exists before the stale
// one is cancelled.
type recordingScheduler struct {
	mu        sync.Mutex
	tasks     []scheduledTask
	cancelled []scheduler.TaskHandle
	log       []string
	count     int
}

func (r *recordingScheduler) Enqueue(_ context.Context, queue, callback string, payload []byte, atEpochMillis int64) (scheduler.TaskHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if callback == "" {
		return "", scheduler.ErrEmptyCallback
	}
	r.count++
	handle := scheduler.TaskHandle(fmt.Sprintf("task-%04d", r.count))
	r.tasks = append(r.tasks, scheduledTask{
		handle:   handle,
		queue:    queue,
		callback: callback,
		payload:  payload,
		runAt:    atEpochMillis,
	})
	r.log = append(r.log, "enqueue:"+handle.String())
	return handle, nil
}

func (r *recordingScheduler) Cancel(_ context.Context, handle scheduler.TaskHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, handle)
	r.log = append(r.log, "cancel:"+handle.String())
	return nil
}

func (r *recordingScheduler) Run(_ context.Context, handle scheduler.TaskHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "run:"+handle.String())
	return nil
}

func (r *recordingScheduler) byQueue(queue string) []scheduledTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := []scheduledTask{}
	for _, task := range r.tasks {
		if task.queue == queue {
			matched = append(matched, task)
		}
	}
	return matched
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Publish(_ context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) Close() {}

func (r *recordingNotifier) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, event := range r.events {
		names = append(names, event.Reason)
	}
	return names
}

type testEnv struct {
	store    *store.SQLStore
	sched    *recordingScheduler
	notifier *recordingNotifier
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:flare_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&store.EntryRecord{}, &store.DocumentRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	flareStore, err := store.NewSQLStore(store.SQLStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	reader, err := social.NewReader(social.ReaderConfig{Store: flareStore})
	if err != nil {
		t.Fatalf("failed to construct reader: %v", err)
	}

	sched := &recordingScheduler{}
	notifier := &recordingNotifier{}
	slugCount := 0
	service, err := NewService(ServiceConfig{
		Store:      flareStore,
		Social:     reader,
		Scheduler:  sched,
		Notifier:   notifier,
		Clock:      func() time.Time { return testNow },
		IDProvider: &staticIDGenerator{},
		SlugFunc: func(length int) string {
			slugCount++
			return fmt.Sprintf("slug%02d", slugCount)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	return &testEnv{store: flareStore, sched: sched, notifier: notifier, service: service}
}

func (e *testEnv) seedFriends(t *testing.T, uid string, friends ...string) {
	t.Helper()
	index := map[string]bool{}
	for _, friend := range friends {
		index[friend] = true
	}
	e.write(t, map[string]any{"friends/" + uid: index})
}

func (e *testEnv) seedMask(t *testing.T, uid, maskID string, members ...string) {
	t.Helper()
	set := map[string]bool{}
	for _, member := range members {
		set[member] = true
	}
	e.write(t, map[string]any{fmt.Sprintf("masks/%s/%s/members", uid, maskID): set})
}

func (e *testEnv) seedGroup(t *testing.T, groupID, name string, members map[string]string) {
	t.Helper()
	err := e.store.PutDocument(context.Background(), social.GroupsCollection, groupID, map[string]any{
		"groupId": groupID,
		"name":    name,
		"members": members,
	})
	if err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}
}

func (e *testEnv) seedProfile(t *testing.T, uid, username string) {
	t.Helper()
	e.write(t, map[string]any{
		fmt.Sprintf("users/%s/publicFields", uid): map[string]any{"username": username},
	})
}

func (e *testEnv) write(t *testing.T, updates map[string]any) {
	t.Helper()
	if err := e.store.BatchWrite(context.Background(), updates); err != nil {
		t.Fatalf("unexpected batch write error: %v", err)
	}
}

func (e *testEnv) mustGet(t *testing.T, path string, target any) {
	t.Helper()
	raw, present, err := e.store.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected get error at %s: %v", path, err)
	}
	if !present {
		t.Fatalf("expected value at %s", path)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("unexpected decode error at %s: %v", path, err)
	}
}

func (e *testEnv) absent(t *testing.T, path string) bool {
	t.Helper()
	_, present, err := e.store.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected get error at %s: %v", path, err)
	}
	return !present
}

// defaultCreateRequest targets one named friend; tests seed alice as a
// friend of owner-1 first.
func defaultCreateRequest() CreateRequest {
	return CreateRequest{
		UID:                  "owner-1",
		Emoji:                "🔥",
		Activity:             "bonfire",
		Note:                 "bring snacks",
		Location:             "north beach",
		StartingTime:         0,
		StartingTimeRelative: true,
		Duration:             2 * time.Hour.Milliseconds(),
		Selectors:            RecipientSelectors{FriendIDs: []string{"alice"}},
	}
}

func mustCreate(t *testing.T, env *testEnv, req CreateRequest) CreateResult {
	t.Helper()
	result, err := env.service.CreateFlare(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return result
}

func assertKind(t *testing.T, err error, kind ErrorKind, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s", code)
	}
	if KindOf(err) != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, KindOf(err), err)
	}
	if CodeOf(err) != code {
		t.Fatalf("expected code %s, got %s", code, CodeOf(err))
	}
}
