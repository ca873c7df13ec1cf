package flare

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/heliograph-labs/flarecast/internal/scheduler"
)

// DeleteFlare tears a flare down ahead of its deadline. The persisted
// manifest, not a re-derivation of the recipient set, decides what gets
// deleted; the pending expiry task is cancelled so it never fires against
// the already-removed state.
func (s *Service) DeleteFlare(ctx context.Context, callerUID, flareID string) error {
	if flareID == "" {
		return newValidationError(opDelete, "missing_flare_id", errMissingFlareID)
	}

	manifest, present, err := s.loadManifest(ctx, opDelete, flareID)
	if err != nil {
		return err
	}
	if !present {
		return newPreconditionError(opDelete, "flare_not_found", fmt.Errorf("flare %s", flareID))
	}
	if manifest.OwnerID != callerUID {
		return newAuthorizationError(opDelete, "not_the_owner", fmt.Errorf("uid %s", callerUID))
	}

	raw, ok, err := s.store.Get(ctx, privatePath(manifest.OwnerID, flareID))
	if err != nil {
		s.logError(opDelete, "private_read_failed", err, zap.String("flare_id", flareID))
		return newInfrastructureError(opDelete, "private_read_failed", err)
	}
	if ok {
		var private PrivateSection
		if err := json.Unmarshal(raw, &private); err == nil && private.DeletionTaskHandle != "" {
			if err := s.sched.Cancel(ctx, scheduler.TaskHandle(private.DeletionTaskHandle)); err != nil {
				s.logError(opDelete, "deadline_cancel_failed", err, zap.String("flare_id", flareID))
				return newInfrastructureError(opDelete, "deadline_cancel_failed", err)
			}
		}
	}

	if err := s.executeManifest(ctx, opDelete, manifest); err != nil {
		return err
	}

	s.logger.Info("flare deleted",
		zap.String("flare_id", flareID),
		zap.Int("paths", len(manifest.Paths)))
	return nil
}

// HandleExpiry is the deadline callback. A missing manifest means the flare
// was already torn down, which is a success, not an error: the task queue
// delivers at least once.
func (s *Service) HandleExpiry(ctx context.Context, payload ExpiryPayload) error {
	if payload.FlareID == "" {
		return newValidationError(opExpire, "missing_flare_id", errMissingFlareID)
	}

	manifest, present, err := s.loadManifest(ctx, opExpire, payload.FlareID)
	if err != nil {
		return err
	}
	if !present {
		s.logger.Info("expiry for already-deleted flare", zap.String("flare_id", payload.FlareID))
		return nil
	}

	if err := s.executeManifest(ctx, opExpire, manifest); err != nil {
		return err
	}

	s.logger.Info("flare expired",
		zap.String("flare_id", payload.FlareID),
		zap.Int("paths", len(manifest.Paths)))
	return nil
}

func (s *Service) loadManifest(ctx context.Context, operation, flareID string) (DeletionManifest, bool, error) {
	raw, present, err := s.store.Get(ctx, manifestPath(flareID))
	if err != nil {
		s.logError(operation, "manifest_read_failed", err, zap.String("flare_id", flareID))
		return DeletionManifest{}, false, newInfrastructureError(operation, "manifest_read_failed", err)
	}
	if !present {
		return DeletionManifest{}, false, nil
	}
	var manifest DeletionManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return DeletionManifest{}, false, newInfrastructureError(operation, "manifest_decode_failed", err)
	}
	return manifest, true, nil
}

// executeManifest deletes every claimed path plus the manifest itself in one
// batch, so a retried expiry either sees everything or nothing.
func (s *Service) executeManifest(ctx context.Context, operation string, manifest DeletionManifest) error {
	updates := make(map[string]any, len(manifest.Paths)+1)
	for _, path := range manifest.Paths {
		updates[path] = nil
	}
	updates[manifestPath(manifest.FlareID)] = nil

	if err := s.store.BatchWrite(ctx, updates); err != nil {
		s.logError(operation, "manifest_execute_failed", err, zap.String("flare_id", manifest.FlareID))
		return newInfrastructureError(operation, "manifest_execute_failed", err)
	}
	return nil
}
