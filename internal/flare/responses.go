package flare

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/heliograph-labs/flarecast/internal/notify"
)

// ResponseRequest identifies the recipient acting on a flare.
type ResponseRequest struct {
	UID     string `json:"uid"`
	OwnerID string `json:"ownerId"`
	FlareID string `json:"flareId"`
}

// ConfirmResult is the success payload of Confirm.
type ConfirmResult struct {
	TotalConfirmations int  `json:"totalConfirmations"`
	Locked             bool `json:"locked"`
}

// Confirm records the recipient's attendance: responder snippet, feed status,
// chat message, then the counter via its own optimistic transaction, then the
// edge-triggered capacity check.
func (s *Service) Confirm(ctx context.Context, req ResponseRequest) (ConfirmResult, error) {
	private, public, err := s.loadForResponse(ctx, opConfirm, req)
	if err != nil {
		return ConfirmResult{}, err
	}

	// Only real members of the resolved recipient list may confirm.
	if !private.Recipients.Contains(req.UID) {
		return ConfirmResult{}, newPreconditionError(opConfirm, "not_a_recipient", fmt.Errorf("uid %s", req.UID))
	}
	if public.Locked {
		return ConfirmResult{}, newPreconditionError(opConfirm, "flare_locked", nil)
	}

	status, err := s.feedStatus(ctx, opConfirm, req.UID, req.FlareID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if status == StatusConfirmed {
		return ConfirmResult{}, newPreconditionError(opConfirm, "already_confirmed", nil)
	}

	profile, err := s.social.Profile(ctx, req.UID)
	if err != nil {
		s.logError(opConfirm, "profile_failed", err, zap.String("uid", req.UID))
		return ConfirmResult{}, newInfrastructureError(opConfirm, "profile_failed", err)
	}

	messageID, err := s.ids.NewID()
	if err != nil {
		return ConfirmResult{}, newInfrastructureError(opConfirm, "id_generation_failed", err)
	}

	now := s.clock()
	snippet := ResponderSnippet{
		UID:         req.UID,
		Username:    profile.Username,
		AvatarURL:   profile.AvatarURL,
		ConfirmedAt: now.UnixMilli(),
	}
	message := ChatMessage{
		Type:   "system",
		Text:   fmt.Sprintf("%s is in", displayName(profile.Username, req.UID)),
		SentAt: now.UnixMilli(),
	}

	err = s.store.BatchWrite(ctx, map[string]any{
		responderPath(req.OwnerID, req.FlareID, req.UID):      &snippet,
		feedStatusPath(req.UID, req.FlareID):                  StatusConfirmed,
		chatMessagePath(req.OwnerID, req.FlareID, messageID):  &message,
	})
	if err != nil {
		s.logError(opConfirm, "batch_write_failed", err, zap.String("flare_id", req.FlareID))
		return ConfirmResult{}, newInfrastructureError(opConfirm, "batch_write_failed", err)
	}

	if err := s.mutateResponseIndex(ctx, opConfirm, req, true); err != nil {
		return ConfirmResult{}, err
	}

	total, err := s.adjustConfirmations(ctx, opConfirm, req.OwnerID, req.FlareID, +1)
	if err != nil {
		return ConfirmResult{}, err
	}

	// Edge-triggered: the responder record is durable, so the lock check
	// reads its own writes.
	locked, err := s.capacityLock(ctx, req)
	if err != nil {
		return ConfirmResult{}, err
	}

	s.publishEvent(ctx, notify.Event{
		Reason:    notify.ReasonFlareConfirmed,
		CauserUID: req.UID,
		FlareID:   req.FlareID,
	})

	return ConfirmResult{TotalConfirmations: total, Locked: locked}, nil
}

// CancelResponse withdraws a prior confirmation. Only the Confirmed state may
// transition to Cancelled; cancelling anything else is a precondition failure.
func (s *Service) CancelResponse(ctx context.Context, req ResponseRequest) error {
	if _, _, err := s.loadForResponse(ctx, opCancelResponse, req); err != nil {
		return err
	}

	status, err := s.feedStatus(ctx, opCancelResponse, req.UID, req.FlareID)
	if err != nil {
		return err
	}
	if status != StatusConfirmed {
		return newPreconditionError(opCancelResponse, "not_confirmed", fmt.Errorf("status %q", status))
	}

	profile, err := s.social.Profile(ctx, req.UID)
	if err != nil {
		s.logError(opCancelResponse, "profile_failed", err, zap.String("uid", req.UID))
		return newInfrastructureError(opCancelResponse, "profile_failed", err)
	}

	messageID, err := s.ids.NewID()
	if err != nil {
		return newInfrastructureError(opCancelResponse, "id_generation_failed", err)
	}

	message := ChatMessage{
		Type:   "system",
		Text:   fmt.Sprintf("%s is out", displayName(profile.Username, req.UID)),
		SentAt: s.clock().UnixMilli(),
	}

	err = s.store.BatchWrite(ctx, map[string]any{
		responderPath(req.OwnerID, req.FlareID, req.UID):     nil,
		feedStatusPath(req.UID, req.FlareID):                 StatusCancelled,
		chatMessagePath(req.OwnerID, req.FlareID, messageID): &message,
	})
	if err != nil {
		s.logError(opCancelResponse, "batch_write_failed", err, zap.String("flare_id", req.FlareID))
		return newInfrastructureError(opCancelResponse, "batch_write_failed", err)
	}

	if err := s.mutateResponseIndex(ctx, opCancelResponse, req, false); err != nil {
		return err
	}

	if _, err := s.adjustConfirmations(ctx, opCancelResponse, req.OwnerID, req.FlareID, -1); err != nil {
		return err
	}

	s.publishEvent(ctx, notify.Event{
		Reason:    notify.ReasonFlareCancelled,
		CauserUID: req.UID,
		FlareID:   req.FlareID,
	})

	return nil
}

// capacityLock removes the flare from every non-responder's feed once the
// confirmation cap is reached, and marks the public section locked. Running
// it again when already locked is a no-op.
func (s *Service) capacityLock(ctx context.Context, req ResponseRequest) (bool, error) {
	private, public, err := s.loadForResponse(ctx, opCapacityLock, req)
	if err != nil {
		return false, err
	}

	if private.ConfirmationCap <= 0 {
		return false, nil
	}
	if public.TotalConfirmations < private.ConfirmationCap {
		return false, nil
	}

	updates := map[string]any{
		lockedFlagPath(req.OwnerID, req.FlareID): true,
	}
	for uid := range private.Recipients.AllUIDs() {
		if private.Responses.Uids[uid] {
			continue
		}
		updates[feedEntryPath(uid, req.FlareID)] = nil
	}

	if err := s.store.BatchWrite(ctx, updates); err != nil {
		s.logError(opCapacityLock, "batch_write_failed", err, zap.String("flare_id", req.FlareID))
		return false, newInfrastructureError(opCapacityLock, "batch_write_failed", err)
	}

	if !public.Locked {
		s.publishEvent(ctx, notify.Event{
			Reason:    notify.ReasonFlareLocked,
			CauserUID: req.UID,
			FlareID:   req.FlareID,
		})
		s.logger.Info("flare locked",
			zap.String("flare_id", req.FlareID),
			zap.Int("confirmation_cap", private.ConfirmationCap))
	}

	return true, nil
}

func (s *Service) loadForResponse(ctx context.Context, operation string, req ResponseRequest) (PrivateSection, PublicSection, error) {
	if req.UID == "" || req.OwnerID == "" || req.FlareID == "" {
		return PrivateSection{}, PublicSection{}, newValidationError(operation, "missing_identifiers", nil)
	}

	var private PrivateSection
	raw, present, err := s.store.Get(ctx, privatePath(req.OwnerID, req.FlareID))
	if err != nil {
		s.logError(operation, "private_read_failed", err, zap.String("flare_id", req.FlareID))
		return PrivateSection{}, PublicSection{}, newInfrastructureError(operation, "private_read_failed", err)
	}
	if !present {
		return PrivateSection{}, PublicSection{}, newPreconditionError(operation, "flare_not_found", nil)
	}
	if err := json.Unmarshal(raw, &private); err != nil {
		return PrivateSection{}, PublicSection{}, newInfrastructureError(operation, "private_decode_failed", err)
	}

	var public PublicSection
	raw, present, err = s.store.Get(ctx, publicPath(req.OwnerID, req.FlareID))
	if err != nil {
		s.logError(operation, "public_read_failed", err, zap.String("flare_id", req.FlareID))
		return PrivateSection{}, PublicSection{}, newInfrastructureError(operation, "public_read_failed", err)
	}
	if !present {
		return PrivateSection{}, PublicSection{}, newPreconditionError(operation, "flare_not_found", nil)
	}
	if err := json.Unmarshal(raw, &public); err != nil {
		return PrivateSection{}, PublicSection{}, newInfrastructureError(operation, "public_decode_failed", err)
	}

	return private, public, nil
}

func (s *Service) feedStatus(ctx context.Context, operation, uid, flareID string) (string, error) {
	raw, present, err := s.store.Get(ctx, feedStatusPath(uid, flareID))
	if err != nil {
		s.logError(operation, "feed_status_read_failed", err, zap.String("flare_id", flareID))
		return "", newInfrastructureError(operation, "feed_status_read_failed", err)
	}
	if !present {
		return "", nil
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", newInfrastructureError(operation, "feed_status_decode_failed", err)
	}
	return status, nil
}

// mutateResponseIndex adds or removes the uid in the private response index
// through the optimistic transaction primitive; batch writes never touch it.
func (s *Service) mutateResponseIndex(ctx context.Context, operation string, req ResponseRequest, add bool) error {
	_, err := s.store.Transaction(ctx, responseIndexPath(req.OwnerID, req.FlareID), func(current json.RawMessage) (any, error) {
		index := ResponseIndex{Uids: map[string]bool{}}
		if current != nil {
			if err := json.Unmarshal(current, &index); err != nil {
				return nil, err
			}
			if index.Uids == nil {
				index.Uids = map[string]bool{}
			}
		}
		if add {
			index.Uids[req.UID] = true
		} else {
			delete(index.Uids, req.UID)
		}
		index.Total++
		return index, nil
	})
	if err != nil {
		s.logError(operation, "response_index_failed", err, zap.String("flare_id", req.FlareID))
		return newInfrastructureError(operation, "response_index_failed", err)
	}
	return nil
}

// adjustConfirmations moves the public confirmation counter by delta through
// the transaction primitive, never below zero.
func (s *Service) adjustConfirmations(ctx context.Context, operation, ownerID, flareID string, delta int) (int, error) {
	committed, err := s.store.Transaction(ctx, confirmationCounterPath(ownerID, flareID), func(current json.RawMessage) (any, error) {
		count := 0
		if current != nil {
			parsed, err := strconv.Atoi(string(current))
			if err != nil {
				return nil, err
			}
			count = parsed
		}
		count += delta
		if count < 0 {
			count = 0
		}
		return count, nil
	})
	if err != nil {
		s.logError(operation, "counter_failed", err, zap.String("flare_id", flareID))
		return 0, newInfrastructureError(operation, "counter_failed", err)
	}

	total, err := strconv.Atoi(string(committed))
	if err != nil {
		return 0, newInfrastructureError(operation, "counter_decode_failed", err)
	}
	return total, nil
}

func (s *Service) publishEvent(ctx context.Context, event notify.Event) {
	if err := s.notifier.Publish(ctx, event); err != nil {
		s.logger.Warn("notification publish failed",
			zap.String("reason", event.Reason),
			zap.String("flare_id", event.FlareID),
			zap.Error(err))
	}
}

func displayName(username, uid string) string {
	if username != "" {
		return username
	}
	return uid
}
