package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "uplicense/internal/errors"
	"uplicense/internal/token"
)

func newMagicLinkFixture(t *testing.T) (*MagicLinkService, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t)
	m := NewMagicLinkService(f.svc, 15*time.Minute, WithMagicLinkClock(f.clock.Now))
	return m, f
}

func TestMagicLinkRoundTrip(t *testing.T) {
	m, f := newMagicLinkFixture(t)
	ctx := context.Background()

	code, err := m.RequestCode(ctx, "Pat@Example.com", IssueInput{
		UserID:   "user-1",
		Plan:     token.PlanMonthly,
		Features: []string{"bulk_upload"},
	})
	require.NoError(t, err)
	require.Len(t, code, codeDigits)

	// Address matching is case and whitespace insensitive.
	result, err := m.VerifyCode(ctx, " pat@example.com ", code)
	require.NoError(t, err)

	claims, err := f.svc.Validate(ctx, result.Encoded, "")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, token.PlanMonthly, claims.Plan)
}

func TestMagicLinkCodeIsSingleUse(t *testing.T) {
	m, _ := newMagicLinkFixture(t)
	ctx := context.Background()

	code, err := m.RequestCode(ctx, "pat@example.com", IssueInput{UserID: "user-1", Plan: token.PlanTrial})
	require.NoError(t, err)

	_, err = m.VerifyCode(ctx, "pat@example.com", code)
	require.NoError(t, err)

	_, err = m.VerifyCode(ctx, "pat@example.com", code)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
}

func TestMagicLinkWrongCode(t *testing.T) {
	m, _ := newMagicLinkFixture(t)
	ctx := context.Background()

	_, err := m.RequestCode(ctx, "pat@example.com", IssueInput{UserID: "user-1", Plan: token.PlanTrial})
	require.NoError(t, err)

	_, err = m.VerifyCode(ctx, "pat@example.com", "00000000")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
	assert.Equal(t, 1, m.Pending(), "a wrong guess must not consume the code")
}

func TestMagicLinkGuessingBurnsTheCode(t *testing.T) {
	m, _ := newMagicLinkFixture(t)
	ctx := context.Background()

	code, err := m.RequestCode(ctx, "pat@example.com", IssueInput{UserID: "user-1", Plan: token.PlanTrial})
	require.NoError(t, err)

	for i := 0; i < maxCodeAttempts; i++ {
		_, err = m.VerifyCode(ctx, "pat@example.com", "00000000")
		require.Error(t, err)
	}
	assert.Equal(t, 0, m.Pending(), "too many wrong guesses must burn the code")

	_, err = m.VerifyCode(ctx, "pat@example.com", code)
	require.Error(t, err)
}

func TestMagicLinkCodeExpires(t *testing.T) {
	m, f := newMagicLinkFixture(t)
	ctx := context.Background()

	code, err := m.RequestCode(ctx, "pat@example.com", IssueInput{UserID: "user-1", Plan: token.PlanTrial})
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	_, err = m.VerifyCode(ctx, "pat@example.com", code)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindExpired, apperrors.KindOf(err))
	assert.Equal(t, 0, m.Pending())
}

func TestMagicLinkNewRequestReplacesCode(t *testing.T) {
	m, _ := newMagicLinkFixture(t)
	ctx := context.Background()

	first, err := m.RequestCode(ctx, "pat@example.com", IssueInput{UserID: "user-1", Plan: token.PlanTrial})
	require.NoError(t, err)
	second, err := m.RequestCode(ctx, "pat@example.com", IssueInput{UserID: "user-1", Plan: token.PlanTrial})
	require.NoError(t, err)
	require.Equal(t, 1, m.Pending())

	if first != second {
		_, err = m.VerifyCode(ctx, "pat@example.com", first)
		require.Error(t, err, "a replaced code must no longer verify")
	}
	// Re-request after the failed attempt so the outstanding code is fresh.
	second, err = m.RequestCode(ctx, "pat@example.com", IssueInput{UserID: "user-1", Plan: token.PlanTrial})
	require.NoError(t, err)
	_, err = m.VerifyCode(ctx, "pat@example.com", second)
	assert.NoError(t, err)
}

func TestMagicLinkCleanup(t *testing.T) {
	m, f := newMagicLinkFixture(t)
	ctx := context.Background()

	_, err := m.RequestCode(ctx, "old@example.com", IssueInput{UserID: "user-1", Plan: token.PlanTrial})
	require.NoError(t, err)
	f.clock.Advance(16 * time.Minute)
	_, err = m.RequestCode(ctx, "new@example.com", IssueInput{UserID: "user-2", Plan: token.PlanTrial})
	require.NoError(t, err)

	removed := m.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Pending())
}
