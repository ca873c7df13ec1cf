package flare

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/heliograph-labs/flarecast/internal/scheduler"
)

func TestComputeWindowAbsoluteAndRelative(t *testing.T) {
	now := testNow
	nowMillis := now.UnixMilli()

	start, death, err := computeWindow("op", now, CreateRequest{
		StartingTime: nowMillis + 600000,
		Duration:     3600000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start != nowMillis+600000 || death != start+3600000 {
		t.Fatalf("unexpected absolute window: %d %d", start, death)
	}

	start, death, err = computeWindow("op", now, CreateRequest{
		StartingTime:         600000,
		StartingTimeRelative: true,
		Duration:             3600000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start != nowMillis+600000 || death != start+3600000 {
		t.Fatalf("unexpected relative window: %d %d", start, death)
	}
}

func TestComputeWindowClampsPastStartToNow(t *testing.T) {
	now := testNow
	start, _, err := computeWindow("op", now, CreateRequest{
		StartingTime: now.UnixMilli() - 600000,
		Duration:     3600000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start != now.UnixMilli() {
		t.Fatalf("expected start clamped to now, got %d", start)
	}
}

func TestNextRecurrenceSkipsToday(t *testing.T) {
	// testNow is a Tuesday (weekday 2); selecting Tuesday must land a full
	// week out, never today.
	next, ok := nextRecurrence(testNow, testNow.UnixMilli(), []int{2})
	if !ok {
		t.Fatalf("expected a next occurrence")
	}
	nextTime := time.UnixMilli(next).UTC()
	if nextTime.Weekday() != time.Tuesday {
		t.Fatalf("expected Tuesday, got %s", nextTime.Weekday())
	}
	if diff := nextTime.Sub(testNow); diff != 7*24*time.Hour {
		t.Fatalf("expected one week out, got %s", diff)
	}
}

func TestNextRecurrencePicksNearestSelectedDay(t *testing.T) {
	// Tuesday now; Friday (5) and Sunday (0) selected: Friday wins.
	next, ok := nextRecurrence(testNow, testNow.UnixMilli(), []int{0, 5})
	if !ok {
		t.Fatalf("expected a next occurrence")
	}
	nextTime := time.UnixMilli(next).UTC()
	if nextTime.Weekday() != time.Friday {
		t.Fatalf("expected Friday, got %s", nextTime.Weekday())
	}
	if nextTime.Hour() != testNow.Hour() || nextTime.Minute() != testNow.Minute() {
		t.Fatalf("expected original time of day, got %s", nextTime)
	}
}

func TestCreateRecurringFlareSchedulesReplay(t *testing.T) {
	env := newTestEnv(t)
	env.seedFriends(t, "owner-1", "alice")

	req := defaultCreateRequest()
	req.RecurringDays = []int{int(time.Friday)}
	result := mustCreate(t, env, req)

	recurrences := env.sched.byQueue(scheduler.QueueFlareRecurrence)
	if len(recurrences) != 1 {
		t.Fatalf("expected one recurrence task, got %d", len(recurrences))
	}

	var replay CreateRequest
	if err := json.Unmarshal(recurrences[0].payload, &replay); err != nil {
		t.Fatalf("unexpected payload decode error: %v", err)
	}
	if replay.OriginalFlareID != result.FlareID {
		t.Fatalf("expected replay keyed to the original flare, got %q", replay.OriginalFlareID)
	}
	if replay.StartingTimeRelative {
		t.Fatalf("replay must carry an absolute start")
	}
	if replay.StartingTime != recurrences[0].runAt {
		t.Fatalf("expected replay start to match task time")
	}

	var record RecurrenceRecord
	env.mustGet(t, recurrencePath("owner-1", result.FlareID), &record)
	if record.TaskHandle != recurrences[0].handle.String() {
		t.Fatalf("expected stored recurrence handle, got %q", record.TaskHandle)
	}
}

func TestHandleRecurrenceCreatesNextCycleUnderOriginalKey(t *testing.T) {
	env := newTestEnv(t)
	env.seedFriends(t, "owner-1", "alice")

	replay := defaultCreateRequest()
	replay.RecurringDays = []int{int(time.Friday)}
	replay.OriginalFlareID = "flare-origin"
	replay.StartingTimeRelative = false
	replay.StartingTime = testNow.Add(time.Hour).UnixMilli()

	result, err := env.service.HandleRecurrence(context.Background(), replay)
	if err != nil {
		t.Fatalf("unexpected recurrence error: %v", err)
	}
	if result.FlareID == "" || result.FlareID == "flare-origin" {
		t.Fatalf("expected a fresh flare id, got %q", result.FlareID)
	}

	// The series record stays keyed by the original id across cycles.
	var record RecurrenceRecord
	env.mustGet(t, recurrencePath("owner-1", "flare-origin"), &record)
	if record.OriginalFlareID != "flare-origin" {
		t.Fatalf("unexpected recurrence record: %#v", record)
	}

	_, err = env.service.HandleRecurrence(context.Background(), defaultCreateRequest())
	assertKind(t, err, KindValidation, "flare.recur.missing_original_flare_id")
}

func TestDeleteRecurringCancelsPendingReplay(t *testing.T) {
	env := newTestEnv(t)
	env.seedFriends(t, "owner-1", "alice")

	req := defaultCreateRequest()
	req.RecurringDays = []int{int(time.Friday)}
	result := mustCreate(t, env, req)
	ctx := context.Background()

	recurrence := env.sched.byQueue(scheduler.QueueFlareRecurrence)[0]
	if err := env.service.DeleteRecurring(ctx, "owner-1", result.FlareID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	if !env.absent(t, recurrencePath("owner-1", result.FlareID)) {
		t.Fatalf("expected series record removed")
	}
	found := false
	for _, handle := range env.sched.cancelled {
		if handle == recurrence.handle {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected pending replay cancelled: %v", env.sched.cancelled)
	}

	err := env.service.DeleteRecurring(ctx, "owner-1", result.FlareID)
	assertKind(t, err, KindPrecondition, "flare.delete_recurring.series_not_found")
}
