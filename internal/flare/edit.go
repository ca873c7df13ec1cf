package flare

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/heliograph-labs/flarecast/internal/scheduler"
)

// EditFlare re-resolves recipients, re-fans content out without disturbing
// response state, prunes caller-named removals, recomputes the confirmation
// counter, reschedules deletion and persists a superseding manifest.
func (s *Service) EditFlare(ctx context.Context, req EditRequest) (EditResult, error) {
	if req.FlareID == "" {
		return EditResult{}, newValidationError(opEdit, "missing_flare_id", errMissingFlareID)
	}

	// The manifest names the true owner, so a foreign caller is refused
	// before any owner-keyed path is touched.
	manifest, present, err := s.loadManifest(ctx, opEdit, req.FlareID)
	if err != nil {
		return EditResult{}, err
	}
	if !present {
		return EditResult{}, newPreconditionError(opEdit, "flare_not_found", fmt.Errorf("flare %s", req.FlareID))
	}
	if manifest.OwnerID != req.UID {
		return EditResult{}, newAuthorizationError(opEdit, "not_the_owner", fmt.Errorf("uid %s", req.UID))
	}

	public, private, params, err := s.loadForEdit(ctx, req.UID, req.FlareID)
	if err != nil {
		return EditResult{}, err
	}

	applyStoredParams(&req, params)
	if err := validateRequest(opEdit, req.CreateRequest); err != nil {
		return EditResult{}, err
	}

	recipients, err := s.resolveRecipients(ctx, opEdit, req.UID, req.Selectors)
	if err != nil {
		return EditResult{}, err
	}

	now := s.clock()
	startingTime, deathTime, err := computeWindow(opEdit, now, req.CreateRequest)
	if err != nil {
		return EditResult{}, err
	}

	editID, err := s.ids.NewID()
	if err != nil {
		return EditResult{}, newInfrastructureError(opEdit, "id_generation_failed", err)
	}

	// Removals are named by the caller, never derived from the recipient
	// diff. A named removal that is still reachable through a surviving
	// branch of the new list keeps its feed entry.
	removed := map[string]bool{}
	for _, uid := range req.FriendsToRemove {
		removed[uid] = true
	}
	for _, groupID := range req.GroupsToRemove {
		for uid := range private.Recipients.Groups[groupID].Members {
			removed[uid] = true
		}
	}
	for uid := range removed {
		if recipients.Contains(uid) {
			delete(removed, uid)
		}
	}

	ownerProfile, err := s.social.Profile(ctx, req.UID)
	if err != nil {
		s.logError(opEdit, "owner_profile_failed", err, zap.String("uid", req.UID))
		return EditResult{}, newInfrastructureError(opEdit, "owner_profile_failed", err)
	}

	fanout := s.buildFanout(fanoutInput{
		request:      req.CreateRequest,
		flareID:      req.FlareID,
		slug:         public.Slug,
		editID:       editID,
		recipients:   recipients,
		ownerProfile: ownerProfile,
		startingTime: startingTime,
		deathTime:    deathTime,
		mode:         fanoutEdit,
		locked:       public.Locked,
		responders:   private.Responses.Uids,
	})
	updates := fanout.updates

	// Prune removed recipients and recount confirmations locally; the whole
	// new counter value is written once below, outside the response-path
	// transaction.
	remaining := ResponseIndex{Uids: map[string]bool{}, Total: private.Responses.Total}
	for uid := range private.Responses.Uids {
		remaining.Uids[uid] = true
	}
	newTotal := public.TotalConfirmations
	for uid := range removed {
		updates[feedEntryPath(uid, req.FlareID)] = nil
		updates[responderPath(req.UID, req.FlareID, uid)] = nil
		if remaining.Uids[uid] {
			delete(remaining.Uids, uid)
			newTotal--
		}
	}
	if newTotal < 0 {
		newTotal = 0
	}
	for _, groupID := range req.GroupsToRemove {
		if _, stillTargeted := recipients.Groups[groupID]; !stillTargeted {
			updates[groupFlarePath(groupID, req.FlareID)] = nil
		}
	}

	// The edit-mode fanout resets the public and private bases; the counter,
	// response index and lock flag live in their transaction cells on top.
	updates[confirmationCounterPath(req.UID, req.FlareID)] = newTotal
	updates[responseIndexPath(req.UID, req.FlareID)] = remaining
	if public.Locked {
		updates[lockedFlagPath(req.UID, req.FlareID)] = true
	}

	if err := s.store.BatchWrite(ctx, updates); err != nil {
		s.logError(opEdit, "batch_write_failed", err, zap.String("flare_id", req.FlareID))
		return EditResult{}, newInfrastructureError(opEdit, "batch_write_failed", err)
	}

	// New deadline first; the stale one is cancelled only once its
	// replacement is confirmed enqueued, so there is never a window with no
	// scheduled deletion.
	handle, err := s.scheduleDeletion(ctx, opEdit, req.FlareID, req.UID, deathTime)
	if err != nil {
		return EditResult{}, err
	}
	if err := s.store.BatchWrite(ctx, map[string]any{
		deletionHandlePath(req.UID, req.FlareID): handle.String(),
	}); err != nil {
		return EditResult{}, newInfrastructureError(opEdit, "handle_write_failed", err)
	}
	if private.DeletionTaskHandle != "" {
		if err := s.sched.Cancel(ctx, scheduler.TaskHandle(private.DeletionTaskHandle)); err != nil {
			s.logError(opEdit, "stale_deadline_cancel_failed", err, zap.String("flare_id", req.FlareID))
			return EditResult{}, newInfrastructureError(opEdit, "stale_deadline_cancel_failed", err)
		}
	}

	if len(req.RecurringDays) > 0 {
		if err := s.rescheduleRecurrence(ctx, req.CreateRequest, req.FlareID, startingTime); err != nil {
			return EditResult{}, err
		}
	}

	s.logger.Info("flare edited",
		zap.String("flare_id", req.FlareID),
		zap.String("last_edit_id", editID),
		zap.Int("removed", len(removed)))

	return EditResult{
		FlareID:            req.FlareID,
		LastEditID:         editID,
		StartingTime:       startingTime,
		DeathTime:          deathTime,
		TotalConfirmations: newTotal,
	}, nil
}

func (s *Service) loadForEdit(ctx context.Context, ownerID, flareID string) (PublicSection, PrivateSection, AdditionalParams, error) {
	var public PublicSection
	var private PrivateSection
	var params AdditionalParams

	sections := []struct {
		path   string
		target any
	}{
		{publicPath(ownerID, flareID), &public},
		{privatePath(ownerID, flareID), &private},
		{additionalParamsPath(ownerID, flareID), &params},
	}

	// Partial state is never valid: all three sections must be present.
	for _, section := range sections {
		raw, present, err := s.store.Get(ctx, section.path)
		if err != nil {
			s.logError(opEdit, "section_read_failed", err, zap.String("path", section.path))
			return PublicSection{}, PrivateSection{}, AdditionalParams{}, newInfrastructureError(opEdit, "section_read_failed", err)
		}
		if !present {
			return PublicSection{}, PrivateSection{}, AdditionalParams{}, newPreconditionError(opEdit, "section_missing", fmt.Errorf("path %s", section.path))
		}
		if err := json.Unmarshal(raw, section.target); err != nil {
			return PublicSection{}, PrivateSection{}, AdditionalParams{}, newInfrastructureError(opEdit, "section_decode_failed", err)
		}
	}

	return public, private, params, nil
}

// applyStoredParams fills edit-request gaps from the stored original
// selectors and timing, so callers only send what changed.
func applyStoredParams(req *EditRequest, params AdditionalParams) {
	selectors := req.Selectors
	if !selectors.AllFriends && len(selectors.FriendIDs) == 0 && len(selectors.MaskIDs) == 0 && len(selectors.GroupIDs) == 0 {
		req.Selectors = params.Selectors
	}
	if req.Duration <= 0 {
		req.Duration = params.Duration
	}
	// A zero cap in the request means "unchanged", so lifting the cap
	// entirely needs the explicit flag.
	if req.RemoveConfirmationCap {
		req.ConfirmationCap = 0
	} else if req.ConfirmationCap == 0 {
		req.ConfirmationCap = params.ConfirmationCap
	}
	if len(req.RecurringDays) == 0 {
		req.RecurringDays = params.RecurringDays
	}
	if req.OriginalFlareID == "" {
		req.OriginalFlareID = params.OriginalFlareID
	}
}

// rescheduleRecurrence replaces the pending re-creation task when an edit
// changes a recurring flare.
func (s *Service) rescheduleRecurrence(ctx context.Context, req CreateRequest, flareID string, startingTime int64) error {
	originalID := req.OriginalFlareID
	if originalID == "" {
		originalID = flareID
	}

	previousHandle := ""
	raw, present, err := s.store.Get(ctx, recurrencePath(req.UID, originalID))
	if err != nil {
		return newInfrastructureError(opEdit, "recurrence_read_failed", err)
	}
	if present {
		var record RecurrenceRecord
		if err := json.Unmarshal(raw, &record); err == nil {
			previousHandle = record.TaskHandle
		}
	}

	if err := s.scheduleRecurrence(ctx, opEdit, req, flareID, startingTime); err != nil {
		return err
	}

	if previousHandle != "" {
		if err := s.sched.Cancel(ctx, scheduler.TaskHandle(previousHandle)); err != nil {
			s.logError(opEdit, "recurrence_cancel_failed", err, zap.String("flare_id", flareID))
			return newInfrastructureError(opEdit, "recurrence_cancel_failed", err)
		}
	}
	return nil
}
