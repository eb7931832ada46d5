package token_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/crypto"
	"github.com/aegismesh/aegis/pkg/token"
)

func newService(t *testing.T) (*token.Service, *time.Time) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0).UTC()
	svc := token.NewService(signer).WithClock(func() time.Time { return now })
	return svc, &now
}

func TestGenerateValidateLifecycle(t *testing.T) {
	svc, now := newService(t)

	signed, err := svc.Generate(token.KindAccess, "u1", "d1", 60*time.Second)
	require.NoError(t, err)

	validated, err := svc.Validate(signed.String, nil)
	require.NoError(t, err)
	require.Equal(t, "u1", validated.Sub)
	require.Equal(t, "d1", validated.DeviceID)
	require.Equal(t, token.KindAccess, validated.Type)

	*now = now.Add(61 * time.Second)
	_, err = svc.Validate(signed.String, nil)
	var verr *token.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, token.ValidationExpired, verr.Kind)
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	svc, _ := newService(t)
	signed, err := svc.Generate(token.KindAccess, "u1", "d1", time.Minute)
	require.NoError(t, err)

	tampered := signed.String[:len(signed.String)-4] + "AAAA"
	_, err = svc.Validate(tampered, nil)
	var verr *token.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, token.ValidationInvalidSignature, verr.Kind)
}

func TestValidateRejectsMalformed(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Validate("not-a-token", nil)
	var verr *token.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, token.ValidationMalformed, verr.Kind)
}

func TestRevocationSet(t *testing.T) {
	svc, _ := newService(t)
	signed, err := svc.Generate(token.KindAccess, "u1", "d1", time.Minute)
	require.NoError(t, err)

	revoked := token.NewRevocationSet()
	validated, err := svc.Validate(signed.String, revoked.IsRevoked)
	require.NoError(t, err)

	revoked.Revoke(validated.JTI)
	_, err = svc.Validate(signed.String, revoked.IsRevoked)
	var verr *token.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, token.ValidationRevoked, verr.Kind)
}

func TestRefreshRequiresRefreshType(t *testing.T) {
	svc, _ := newService(t)
	access, err := svc.Generate(token.KindAccess, "u1", "d1", time.Minute)
	require.NoError(t, err)

	_, _, err = svc.Refresh(access.String, nil, time.Minute, time.Hour)
	require.Error(t, err)
}

func TestRefreshIssuesFreshPairForSameSubject(t *testing.T) {
	svc, _ := newService(t)
	refresh, err := svc.Generate(token.KindRefresh, "u1", "d1", time.Hour)
	require.NoError(t, err)

	newAccess, newRefresh, err := svc.Refresh(refresh.String, nil, time.Minute, time.Hour)
	require.NoError(t, err)

	validatedAccess, err := svc.Validate(newAccess.String, nil)
	require.NoError(t, err)
	require.Equal(t, "u1", validatedAccess.Sub)
	require.Equal(t, token.KindAccess, validatedAccess.Type)

	validatedRefresh, err := svc.Validate(newRefresh.String, nil)
	require.NoError(t, err)
	require.Equal(t, token.KindRefresh, validatedRefresh.Type)
}

func TestShouldRenewProactively(t *testing.T) {
	now := time.Unix(1000, 0)
	require.True(t, token.ShouldRenewProactively(now, 1030, 30*time.Second))
	require.False(t, token.ShouldRenewProactively(now, 1031, 30*time.Second))
}
