package sync

import (
	"context"
	"log/slog"

	"github.com/dukerupert/chime/internal/errs"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
	"github.com/dukerupert/chime/internal/vault"
)

// Service is the account-facing sync surface: the OAuth connect flow,
// settings, and manual triggers. The Engine does the actual mirroring.
type Service struct {
	syncStates *store.SyncStateStore
	vault      *vault.Vault
	sched      schedule.Client
	logger     *slog.Logger
}

func NewService(syncStates *store.SyncStateStore, v *vault.Vault, sched schedule.Client, logger *slog.Logger) *Service {
	return &Service{
		syncStates: syncStates,
		vault:      v,
		sched:      sched,
		logger:     logger.With("component", "sync"),
	}
}

// Status is the caller-visible connection summary.
type Status struct {
	Connected bool             `json:"connected"`
	State     *model.SyncState `json:"state,omitempty"`
}

// Connect begins the OAuth flow for a user and returns the provider consent
// URL to send them to.
func (s *Service) Connect(userID int64) (string, error) {
	state, err := s.vault.IssueState(userID)
	if err != nil {
		return "", errs.Internal("issue state token", err)
	}
	return s.vault.AuthURL(state), nil
}

// Callback completes the OAuth flow: it verifies the signed state token,
// exchanges the code for a grant, stores it sealed, and provisions the user's
// sync state. Returns the connected user's id.
func (s *Service) Callback(ctx context.Context, state, code string) (int64, error) {
	userID, err := s.vault.VerifyState(state)
	if err != nil {
		return 0, errs.Validation("invalid or expired state token")
	}

	creds, err := s.vault.Exchange(ctx, code)
	if err != nil {
		return 0, errs.Internal("exchange authorization code", err)
	}
	if err := s.vault.SaveCredentials(userID, *creds); err != nil {
		return 0, errs.Internal("store credentials", err)
	}
	if _, err := s.syncStates.Ensure(userID); err != nil {
		return 0, errs.Internal("provision sync state", err)
	}

	// First push provisions the remote calendar and mirrors the backlog.
	if err := s.sched.Enqueue(ctx, schedule.KindSyncPush, schedule.UserKey(userID)); err != nil {
		s.logger.Error("enqueue initial push", "user_id", userID, "error", err)
	}

	s.logger.Info("calendar connected", "user_id", userID)
	return userID, nil
}

// Disconnect deletes the stored grant and the user's sync state. Pending sync
// jobs are cancelled best-effort; a cycle already running finds no
// credentials and completes without work.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	if err := s.vault.Delete(userID); err != nil {
		return errs.Internal("delete credentials", err)
	}
	if err := s.syncStates.Delete(userID); err != nil {
		return errs.Internal("delete sync state", err)
	}

	key := schedule.UserKey(userID)
	for _, kind := range []string{schedule.KindSyncPush, schedule.KindSyncPull} {
		if err := s.sched.Cancel(ctx, kind, key); err != nil {
			s.logger.Error("cancel pending sync job", "user_id", userID, "kind", kind, "error", err)
		}
	}

	s.logger.Info("calendar disconnected", "user_id", userID)
	return nil
}

// Status reports whether the user holds a decryptable grant and, if sync has
// been provisioned, its settings.
func (s *Service) Status(userID int64) (*Status, error) {
	connected, err := s.vault.Connected(userID)
	if err != nil {
		return nil, errs.Internal("check credentials", err)
	}
	st, err := s.syncStates.Get(userID)
	if err != nil {
		return nil, errs.Internal("load sync state", err)
	}
	return &Status{Connected: connected, State: st}, nil
}

// UpdateSettings changes the user's sync direction or enabled flag.
func (s *Service) UpdateSettings(userID int64, enabled bool, direction model.SyncDirection) (*model.SyncState, error) {
	if !direction.Valid() {
		return nil, errs.Validation("sync direction must be one of: %s, %s", model.SyncOneWay, model.SyncTwoWay)
	}
	st, err := s.syncStates.UpdateSettings(userID, enabled, direction)
	if err != nil {
		return nil, errs.Internal("update sync settings", err)
	}
	if st == nil {
		return nil, errs.NotFound("calendar sync is not set up")
	}
	return st, nil
}

// TriggerManualSync enqueues an immediate cycle for the user, outside the
// periodic cadence.
func (s *Service) TriggerManualSync(ctx context.Context, userID int64) error {
	st, err := s.syncStates.Get(userID)
	if err != nil {
		return errs.Internal("load sync state", err)
	}
	if st == nil || !st.SyncEnabled {
		return errs.Validation("calendar sync is not enabled")
	}

	key := schedule.UserKey(userID)
	if err := s.sched.Enqueue(ctx, schedule.KindSyncPush, key); err != nil {
		return errs.Internal("enqueue push", err)
	}
	if st.SyncDirection == model.SyncTwoWay {
		if err := s.sched.Enqueue(ctx, schedule.KindSyncPull, key); err != nil {
			return errs.Internal("enqueue pull", err)
		}
	}
	return nil
}
