package flare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/heliograph-labs/flarecast/internal/notify"
	"github.com/heliograph-labs/flarecast/internal/scheduler"
	"github.com/heliograph-labs/flarecast/internal/social"
	"github.com/heliograph-labs/flarecast/internal/store"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingSocial     = errors.New("social reader is required")
	errMissingScheduler  = errors.New("scheduler is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUID        = errors.New("caller uid is required")
	errMissingFlareID    = errors.New("flare id is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew       = "flare.service.new"
	opCreate           = "flare.create"
	opEdit             = "flare.edit"
	opDelete           = "flare.delete"
	opConfirm          = "flare.confirm"
	opCancelResponse   = "flare.cancel_response"
	opExpire           = "flare.expire"
	opRecur            = "flare.recur"
	opResolve          = "flare.resolve_recipients"
	opAddGroupMembers  = "flare.add_group_members"
	opResolveSlug      = "flare.resolve_slug"
	opDeleteRecurring  = "flare.delete_recurring"
	opCapacityLock     = "flare.capacity_lock"
)

// IDProvider issues server-generated unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the flare service.
type ServiceConfig struct {
	Store      store.Store
	Social     *social.Reader
	Scheduler  scheduler.Scheduler
	Notifier   notify.Notifier
	Clock      func() time.Time
	IDProvider IDProvider
	SlugFunc   func(length int) string
	Logger     *zap.Logger
}

// Service implements the flare subsystem: creation with fan-out, responses
// with capacity locking, lifecycle scheduling, edits and manifest-driven
// deletion.
type Service struct {
	store    store.Store
	social   *social.Reader
	sched    scheduler.Scheduler
	notifier notify.Notifier
	clock    func() time.Time
	ids      IDProvider
	slugFunc func(length int) string
	logger   *zap.Logger
}

// NewService constructs the flare service, validating its configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newInfrastructureError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Social == nil {
		return nil, newInfrastructureError(opServiceNew, "missing_social", errMissingSocial)
	}
	if cfg.Scheduler == nil {
		return nil, newInfrastructureError(opServiceNew, "missing_scheduler", errMissingScheduler)
	}
	if cfg.IDProvider == nil {
		return nil, newInfrastructureError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewNopNotifier()
	}
	slugFunc := cfg.SlugFunc
	if slugFunc == nil {
		slugFunc = randomSlug
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:    cfg.Store,
		social:   cfg.Social,
		sched:    cfg.Scheduler,
		notifier: notifier,
		clock:    clock,
		ids:      cfg.IDProvider,
		slugFunc: slugFunc,
		logger:   logger,
	}, nil
}

// CreateFlare resolves recipients, fans the flare out into every recipient
// feed, persists the deletion manifest and schedules expiry and recurrence.
func (s *Service) CreateFlare(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := validateRequest(opCreate, req); err != nil {
		return CreateResult{}, err
	}

	recipients, err := s.resolveRecipients(ctx, opCreate, req.UID, req.Selectors)
	if err != nil {
		return CreateResult{}, err
	}
	if recipients.Empty() {
		return CreateResult{}, newValidationError(opCreate, "no_recipients", nil)
	}

	now := s.clock()
	startingTime, deathTime, err := computeWindow(opCreate, now, req)
	if err != nil {
		return CreateResult{}, err
	}

	flareID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return CreateResult{}, newInfrastructureError(opCreate, "id_generation_failed", err)
	}

	slug, err := s.reserveSlug(ctx, opCreate)
	if err != nil {
		return CreateResult{}, err
	}

	ownerProfile, err := s.social.Profile(ctx, req.UID)
	if err != nil {
		s.logError(opCreate, "owner_profile_failed", err, zap.String("uid", req.UID))
		return CreateResult{}, newInfrastructureError(opCreate, "owner_profile_failed", err)
	}

	fanout := s.buildFanout(fanoutInput{
		request:      req,
		flareID:      flareID,
		slug:         slug,
		recipients:   recipients,
		ownerProfile: ownerProfile,
		startingTime: startingTime,
		deathTime:    deathTime,
		mode:         fanoutCreate,
	})

	if err := s.store.BatchWrite(ctx, fanout.updates); err != nil {
		s.logError(opCreate, "batch_write_failed", err, zap.String("flare_id", flareID))
		return CreateResult{}, newInfrastructureError(opCreate, "batch_write_failed", err)
	}

	// The manifest is durable at this point; a scheduling failure below
	// leaves a recoverable flare rather than an unreachable one.
	handle, err := s.scheduleDeletion(ctx, opCreate, flareID, req.UID, deathTime)
	if err != nil {
		return CreateResult{}, err
	}
	if err := s.store.BatchWrite(ctx, map[string]any{
		deletionHandlePath(req.UID, flareID): handle.String(),
	}); err != nil {
		s.logError(opCreate, "handle_write_failed", err, zap.String("flare_id", flareID))
		return CreateResult{}, newInfrastructureError(opCreate, "handle_write_failed", err)
	}

	if len(req.RecurringDays) > 0 {
		if err := s.scheduleRecurrence(ctx, opCreate, req, flareID, startingTime); err != nil {
			return CreateResult{}, err
		}
	}

	s.logger.Info("flare created",
		zap.String("flare_id", flareID),
		zap.String("owner_id", req.UID),
		zap.Int("recipients", len(recipients.AllUIDs())))

	return CreateResult{
		FlareID:      flareID,
		Slug:         slug,
		StartingTime: startingTime,
		DeathTime:    deathTime,
	}, nil
}

// ResolveSlug maps a short slug back to its flare id and owner.
func (s *Service) ResolveSlug(ctx context.Context, slug string) (SlugRecord, error) {
	trimmed := strings.TrimSpace(slug)
	if trimmed == "" {
		return SlugRecord{}, newValidationError(opResolveSlug, "empty_slug", nil)
	}

	raw, present, err := s.store.Get(ctx, slugPath(trimmed))
	if err != nil {
		s.logError(opResolveSlug, "store_read_failed", err, zap.String("slug", trimmed))
		return SlugRecord{}, newInfrastructureError(opResolveSlug, "store_read_failed", err)
	}
	if !present {
		return SlugRecord{}, newPreconditionError(opResolveSlug, "slug_not_found", nil)
	}

	var record SlugRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return SlugRecord{}, newInfrastructureError(opResolveSlug, "decode_failed", err)
	}
	return record, nil
}

func validateRequest(operation string, req CreateRequest) error {
	if strings.TrimSpace(req.UID) == "" {
		return newValidationError(operation, "missing_uid", errMissingUID)
	}
	if strings.TrimSpace(req.Activity) == "" {
		return newValidationError(operation, "missing_activity", nil)
	}
	if len(req.Activity) > maxActivityLength {
		return newValidationError(operation, "activity_too_long", fmt.Errorf("%d > %d", len(req.Activity), maxActivityLength))
	}
	if len(req.Note) > maxNoteLength {
		return newValidationError(operation, "note_too_long", fmt.Errorf("%d > %d", len(req.Note), maxNoteLength))
	}
	if len(req.Location) > maxLocationLength {
		return newValidationError(operation, "location_too_long", fmt.Errorf("%d > %d", len(req.Location), maxLocationLength))
	}
	if req.Duration <= 0 {
		return newValidationError(operation, "invalid_duration", fmt.Errorf("duration %d", req.Duration))
	}
	if req.ConfirmationCap < 0 {
		return newValidationError(operation, "invalid_confirmation_cap", fmt.Errorf("cap %d", req.ConfirmationCap))
	}
	for _, day := range req.RecurringDays {
		if day < 0 || day > 6 {
			return newValidationError(operation, "invalid_recurring_day", fmt.Errorf("day %d", day))
		}
	}
	selectors := req.Selectors
	if !selectors.AllFriends && len(selectors.FriendIDs) == 0 && len(selectors.MaskIDs) == 0 && len(selectors.GroupIDs) == 0 {
		return newValidationError(operation, "no_recipients", nil)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("flare service error", attrs...)
}
