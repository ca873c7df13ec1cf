package flare

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/heliograph-labs/flarecast/internal/scheduler"
)

// The longest a flare may live: two days less a minute, measured from now.
const maxLifetime = 48*time.Hour - time.Minute

// computeWindow turns the request's relative-or-absolute start and duration
// into absolute epoch-millisecond bounds. A start already in the past clamps
// to now.
func computeWindow(operation string, now time.Time, req CreateRequest) (int64, int64, error) {
	nowMillis := now.UnixMilli()

	startingTime := req.StartingTime
	if req.StartingTimeRelative {
		startingTime = nowMillis + req.StartingTime
	}
	if startingTime < nowMillis {
		startingTime = nowMillis
	}

	deathTime := startingTime + req.Duration
	if deathTime-nowMillis > maxLifetime.Milliseconds() {
		return 0, 0, newValidationError(operation, "lifetime_too_long",
			fmt.Errorf("death in %dms exceeds %dms", deathTime-nowMillis, maxLifetime.Milliseconds()))
	}

	return startingTime, deathTime, nil
}

// nextRecurrence finds the next occurrence strictly after today: the minimum
// forward weekday offset among days (today excluded, so a flare created on a
// selected day never re-triggers the same day), at the original time-of-day.
func nextRecurrence(now time.Time, startingTime int64, days []int) (int64, bool) {
	if len(days) == 0 {
		return 0, false
	}

	selected := map[int]bool{}
	for _, day := range days {
		selected[day] = true
	}

	start := time.UnixMilli(startingTime).In(now.Location())
	for offset := 1; offset <= 7; offset++ {
		candidateDay := now.AddDate(0, 0, offset)
		if !selected[int(candidateDay.Weekday())] {
			continue
		}
		next := time.Date(
			candidateDay.Year(), candidateDay.Month(), candidateDay.Day(),
			start.Hour(), start.Minute(), start.Second(), 0, now.Location(),
		)
		return next.UnixMilli(), true
	}
	return 0, false
}

// scheduleDeletion enqueues the expiry callback for deathTime. The payload
// carries only the flare id; the persisted manifest decides what to delete.
func (s *Service) scheduleDeletion(ctx context.Context, operation, flareID, ownerID string, deathTime int64) (scheduler.TaskHandle, error) {
	payload, err := json.Marshal(ExpiryPayload{FlareID: flareID})
	if err != nil {
		return "", newInfrastructureError(operation, "expiry_payload_failed", err)
	}

	handle, err := s.sched.Enqueue(ctx, scheduler.QueueFlareExpiry, scheduler.CallbackFlareExpiry, payload, deathTime)
	if err != nil {
		s.logError(operation, "expiry_enqueue_failed", err,
			zap.String("flare_id", flareID),
			zap.String("owner_id", ownerID))
		return "", newInfrastructureError(operation, "expiry_enqueue_failed", err)
	}
	return handle, nil
}

// scheduleRecurrence records the recurring series and enqueues its next
// re-creation. The payload is the full original request, so the callback is
// just a replay of creation.
func (s *Service) scheduleRecurrence(ctx context.Context, operation string, req CreateRequest, flareID string, startingTime int64) error {
	originalID := req.OriginalFlareID
	if originalID == "" {
		originalID = flareID
	}

	nextAt, ok := nextRecurrence(s.clock(), startingTime, req.RecurringDays)
	if !ok {
		return nil
	}

	replay := req
	replay.OriginalFlareID = originalID
	replay.StartingTimeRelative = false
	replay.StartingTime = nextAt

	payload, err := json.Marshal(replay)
	if err != nil {
		return newInfrastructureError(operation, "recurrence_payload_failed", err)
	}

	handle, err := s.sched.Enqueue(ctx, scheduler.QueueFlareRecurrence, scheduler.CallbackFlareRecurrence, payload, nextAt)
	if err != nil {
		s.logError(operation, "recurrence_enqueue_failed", err, zap.String("flare_id", flareID))
		return newInfrastructureError(operation, "recurrence_enqueue_failed", err)
	}

	// Overwrite the whole record: the previous cycle's handle has fired or
	// is superseded.
	record := RecurrenceRecord{
		OriginalFlareID: originalID,
		Days:            req.RecurringDays,
		LastRequest:     replay,
		TaskHandle:      handle.String(),
	}
	if err := s.store.BatchWrite(ctx, map[string]any{
		recurrencePath(req.UID, originalID): &record,
	}); err != nil {
		s.logError(operation, "recurrence_write_failed", err, zap.String("flare_id", flareID))
		return newInfrastructureError(operation, "recurrence_write_failed", err)
	}
	return nil
}

// HandleRecurrence is the scheduler callback that re-creates the next cycle
// of a recurring flare from its stored request.
func (s *Service) HandleRecurrence(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.OriginalFlareID == "" {
		return CreateResult{}, newValidationError(opRecur, "missing_original_flare_id", nil)
	}
	result, err := s.CreateFlare(ctx, req)
	if err != nil {
		return CreateResult{}, err
	}
	return result, nil
}

// DeleteRecurring removes a recurring series and cancels its pending
// re-creation.
func (s *Service) DeleteRecurring(ctx context.Context, callerUID, originalFlareID string) error {
	if originalFlareID == "" {
		return newValidationError(opDeleteRecurring, "missing_original_flare_id", errMissingFlareID)
	}

	path := recurrencePath(callerUID, originalFlareID)
	raw, present, err := s.store.Get(ctx, path)
	if err != nil {
		s.logError(opDeleteRecurring, "store_read_failed", err, zap.String("original_flare_id", originalFlareID))
		return newInfrastructureError(opDeleteRecurring, "store_read_failed", err)
	}
	if !present {
		return newPreconditionError(opDeleteRecurring, "series_not_found", nil)
	}

	var record RecurrenceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return newInfrastructureError(opDeleteRecurring, "decode_failed", err)
	}

	if record.TaskHandle != "" {
		if err := s.sched.Cancel(ctx, scheduler.TaskHandle(record.TaskHandle)); err != nil {
			s.logError(opDeleteRecurring, "cancel_failed", err, zap.String("original_flare_id", originalFlareID))
			return newInfrastructureError(opDeleteRecurring, "cancel_failed", err)
		}
	}

	if err := s.store.BatchWrite(ctx, map[string]any{path: nil}); err != nil {
		return newInfrastructureError(opDeleteRecurring, "delete_failed", err)
	}
	return nil
}
