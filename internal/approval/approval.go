// Package approval issues and verifies HMAC-signed approval tokens. A token
// authorizes exactly one order submission: a holder reserves it, submits, and
// consumes it; any failure releases the reservation. All state transitions
// are single conditional updates, so concurrent holders race safely through
// the database rather than through locks.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/ident"
)

// Store is the persistence surface the service needs; *db.ApprovalRepo
// implements it.
type Store interface {
	Insert(ctx context.Context, a *db.Approval) error
	GetByID(ctx context.Context, id string) (*db.Approval, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*db.Approval, error)
	GetByLegacyToken(ctx context.Context, token string) (*db.Approval, error)
	Reserve(ctx context.Context, id, reservationID string, now, until time.Time) (bool, error)
	Consume(ctx context.Context, id, reservationID string, now time.Time) (bool, error)
	Release(ctx context.Context, id, reservationID string, errJSON json.RawMessage, failedAt *time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Grant is a freshly issued approval: the opaque wire token plus its id.
type Grant struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues, validates, and consumes approval tokens.
type Service struct {
	store  Store
	secret string
	clock  clock.Clock
	log    zerolog.Logger
}

func NewService(store Store, secret string, c clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		secret: secret,
		clock:  c,
		log:    logger.With().Str("component", "approval").Logger(),
	}
}

// NewReservationID returns a fresh reservation holder id.
func NewReservationID() string {
	return uuid.NewString()
}

func (s *Service) signature(id, previewHash string, expiresAt time.Time) string {
	body := id + ":" + previewHash + ":" + strconv.FormatInt(expiresAt.Unix(), 10)
	return ident.HMACSHA256Hex(s.secret, body)
}

// Generate issues a token over the order preview and its policy verdict.
// The stored row keeps only the token's SHA-256; the raw token exists solely
// in the returned grant.
func (s *Service) Generate(ctx context.Context, preview, policyResult interface{}, ttl time.Duration) (*Grant, error) {
	if s.secret == "" {
		return nil, faults.New(faults.Internal, "approval secret is not configured")
	}
	if ttl <= 0 {
		return nil, faults.New(faults.InvalidInput, "approval ttl must be positive")
	}

	previewHash, err := ident.StableHash(map[string]interface{}{
		"preview":       preview,
		"policy_result": policyResult,
	})
	if err != nil {
		return nil, fmt.Errorf("hash approval preview: %w", err)
	}

	previewJSON, err := json.Marshal(preview)
	if err != nil {
		return nil, fmt.Errorf("encode order preview: %w", err)
	}
	policyJSON, err := json.Marshal(policyResult)
	if err != nil {
		return nil, fmt.Errorf("encode policy result: %w", err)
	}

	now := s.clock.Now()
	id := ident.RandomHex128()
	expiresAt := now.Add(ttl)
	token := id + "." + s.signature(id, previewHash, expiresAt)

	row := &db.Approval{
		ID:               id,
		PreviewHash:      previewHash,
		OrderParamsJSON:  previewJSON,
		PolicyResultJSON: policyJSON,
		TokenHash:        ident.SHA256Hex(token),
		ExpiresAt:        expiresAt,
		State:            db.ApprovalActive,
		CreatedAt:        now,
	}
	if err := s.store.Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("store approval %s: %w", id, err)
	}

	s.log.Info().Str("approval_id", id).Time("expires_at", expiresAt).Msg("Approval issued")
	return &Grant{ID: id, Token: token, ExpiresAt: expiresAt}, nil
}

// Validate checks a wire token end to end: format, row lookup by token hash
// with a legacy raw-token fallback, state, expiry, and a constant-time
// signature comparison. It returns the approval row on success.
func (s *Service) Validate(ctx context.Context, token string) (*db.Approval, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, faults.New(faults.InvalidInput, "malformed approval token")
	}

	row, err := s.store.GetByTokenHash(ctx, ident.SHA256Hex(token))
	if err != nil {
		return nil, fmt.Errorf("look up approval token: %w", err)
	}
	if row == nil {
		row, err = s.store.GetByLegacyToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("look up legacy approval token: %w", err)
		}
	}
	if row == nil {
		return nil, faults.New(faults.NotFound, "approval not found")
	}

	if row.ID != parts[0] {
		return nil, faults.New(faults.Unauthorized, "approval token signature mismatch")
	}
	if row.State == db.ApprovalUsed {
		return nil, faults.New(faults.Conflict, "approval already used")
	}
	if !s.clock.Now().Before(row.ExpiresAt) {
		return nil, faults.New(faults.Unauthorized, "approval expired")
	}

	expected := s.signature(row.ID, row.PreviewHash, row.ExpiresAt)
	if !ident.HMACEqual(expected, parts[1]) {
		return nil, faults.New(faults.Unauthorized, "approval token signature mismatch")
	}
	return row, nil
}

// Reserve takes the single reservation slot for reservationID, reclaiming a
// lapsed hold if one exists.
func (s *Service) Reserve(ctx context.Context, approvalID, reservationID string, ttl time.Duration) error {
	now := s.clock.Now()
	ok, err := s.store.Reserve(ctx, approvalID, reservationID, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("reserve approval %s: %w", approvalID, err)
	}
	if !ok {
		return faults.New(faults.Conflict, "approval is not available for reservation")
	}
	return nil
}

// Consume marks the reservation as used; only the holder can consume.
func (s *Service) Consume(ctx context.Context, approvalID, reservationID string) error {
	ok, err := s.store.Consume(ctx, approvalID, reservationID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("consume approval %s: %w", approvalID, err)
	}
	if !ok {
		return faults.New(faults.Conflict, "approval reservation is not held")
	}
	return nil
}

// Release returns a reserved approval to ACTIVE, recording cause when the
// submission failed.
func (s *Service) Release(ctx context.Context, approvalID, reservationID string, cause error) error {
	var (
		errJSON  json.RawMessage
		failedAt *time.Time
	)
	if cause != nil {
		now := s.clock.Now()
		failedAt = &now
		if b, err := json.Marshal(map[string]string{"error": cause.Error()}); err == nil {
			errJSON = b
		}
	}
	ok, err := s.store.Release(ctx, approvalID, reservationID, errJSON, failedAt)
	if err != nil {
		return fmt.Errorf("release approval %s: %w", approvalID, err)
	}
	if !ok {
		return faults.New(faults.Conflict, "approval reservation is not held")
	}
	return nil
}

// PurgeExpired deletes lapsed ACTIVE approvals; the open/close loops run it.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge expired approvals: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Msg("Purged expired approvals")
	}
	return n, nil
}
