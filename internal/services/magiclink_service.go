package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "uplicense/internal/errors"
	"uplicense/internal/infrastructure"
)

// codeDigits is the length of a magic-link login code.
const codeDigits = 8

// pendingLogin is one outstanding magic-link code. Only the bcrypt hash
// of the code is kept; the cleartext exists solely in the delivery
// channel.
type pendingLogin struct {
	codeHash  []byte
	identity  IssueInput
	expiresAt time.Time
	attempts  int
}

// maxCodeAttempts bounds guesses against a single outstanding code.
const maxCodeAttempts = 5

// MagicLinkService manages single-use login codes. Codes are short
// lived and held in memory only; a restart invalidates outstanding
// codes, which just means the user requests a new one.
type MagicLinkService struct {
	mu      sync.Mutex
	pending map[string]*pendingLogin // keyed by normalized email

	entitlements *EntitlementService
	codeTTL      time.Duration
	rand         io.Reader
	now          func() time.Time
}

// MagicLinkOption customizes a MagicLinkService.
type MagicLinkOption func(*MagicLinkService)

// WithMagicLinkClock replaces the expiry clock.
func WithMagicLinkClock(now func() time.Time) MagicLinkOption {
	return func(m *MagicLinkService) { m.now = now }
}

// WithMagicLinkRand replaces the code randomness source.
func WithMagicLinkRand(r io.Reader) MagicLinkOption {
	return func(m *MagicLinkService) { m.rand = r }
}

// NewMagicLinkService creates the service. Verified codes issue tokens
// through the entitlement service.
func NewMagicLinkService(entitlements *EntitlementService, codeTTL time.Duration, opts ...MagicLinkOption) *MagicLinkService {
	m := &MagicLinkService{
		pending:      make(map[string]*pendingLogin),
		entitlements: entitlements,
		codeTTL:      codeTTL,
		rand:         rand.Reader,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestCode generates a single-use code for the given identity and
// returns it for delivery. A repeat request replaces the outstanding
// code; only the newest one verifies.
func (m *MagicLinkService) RequestCode(ctx context.Context, email string, identity IssueInput) (string, error) {
	code, err := m.generateCode()
	if err != nil {
		return "", fmt.Errorf("generate login code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash login code: %w", err)
	}

	key := normalizeEmail(email)
	m.mu.Lock()
	m.pending[key] = &pendingLogin{
		codeHash:  hash,
		identity:  identity,
		expiresAt: m.now().Add(m.codeTTL),
	}
	m.mu.Unlock()

	infrastructure.LoggerWithContext(ctx).InfoContext(ctx, "magic link code generated",
		slog.String("email", key),
		slog.Duration("ttl", m.codeTTL),
	)
	return code, nil
}

// VerifyCode consumes an outstanding code and issues a token for the
// identity it was requested with. The code is single use: it is removed
// on success, on expiry, and after too many wrong guesses.
func (m *MagicLinkService) VerifyCode(ctx context.Context, email, code string) (*IssueResult, error) {
	key := normalizeEmail(email)

	m.mu.Lock()
	pending, ok := m.pending[key]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.E(apperrors.KindInvalidRequest, "no login code outstanding for this address")
	}
	if m.now().After(pending.expiresAt) {
		delete(m.pending, key)
		m.mu.Unlock()
		return nil, apperrors.E(apperrors.KindExpired, "login code has expired")
	}
	if err := bcrypt.CompareHashAndPassword(pending.codeHash, []byte(code)); err != nil {
		pending.attempts++
		if pending.attempts >= maxCodeAttempts {
			delete(m.pending, key)
		}
		m.mu.Unlock()
		return nil, apperrors.E(apperrors.KindInvalidRequest, "login code does not match")
	}
	identity := pending.identity
	delete(m.pending, key)
	m.mu.Unlock()

	return m.entitlements.IssueToken(ctx, identity)
}

// Cleanup drops expired pending codes. Returns the number removed.
func (m *MagicLinkService) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, pending := range m.pending {
		if now.After(pending.expiresAt) {
			delete(m.pending, key)
			removed++
		}
	}
	return removed
}

// Pending reports the number of outstanding codes.
func (m *MagicLinkService) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *MagicLinkService) generateCode() (string, error) {
	var digits strings.Builder
	buf := make([]byte, codeDigits)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return "", err
	}
	for _, b := range buf {
		fmt.Fprintf(&digits, "%d", int(b)%10)
	}
	return digits.String(), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
