package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterParticipant("bank-a-key", "bank-a-secret", "BANK_A")

	token, err := svc.GenerateToken(Credentials{APIKey: "bank-a-key", APISecret: "bank-a-secret"})
	require.NoError(t, err)
	require.NotEmpty(t, token.Token)
	assert.True(t, token.Expiration.After(time.Now()))

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "BANK_A", claims.ParticipantID)
	assert.Empty(t, claims.Role)
}

func TestAdminTokenCarriesRole(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAdmin("operator-key", "operator-secret")

	token, err := svc.GenerateToken(Credentials{APIKey: "operator-key", APISecret: "operator-secret"})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "OPERATOR", claims.ParticipantID)
	assert.Equal(t, "admin", claims.Role)
}

func TestInvalidCredentials(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterParticipant("bank-a-key", "bank-a-secret", "BANK_A")

	t.Run("wrong secret", func(t *testing.T) {
		_, err := svc.GenerateToken(Credentials{APIKey: "bank-a-key", APISecret: "wrong"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := svc.GenerateToken(Credentials{APIKey: "nobody", APISecret: "bank-a-secret"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	issuer := NewService("issuer-secret")
	issuer.RegisterParticipant("bank-a-key", "bank-a-secret", "BANK_A")
	token, err := issuer.GenerateToken(Credentials{APIKey: "bank-a-key", APISecret: "bank-a-secret"})
	require.NoError(t, err)

	verifier := NewService("different-secret")
	_, err = verifier.ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := NewService("test-secret")
	_, err := svc.ValidateToken("not.a.token")
	assert.Error(t, err)
}
