package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("secret", 1)
	tok, err := m.GenerateToken("alice")
	require.NoError(t, err)

	claims, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestVerify_WrongSecret(t *testing.T) {
	tok, err := NewJWTManager("secret", 1).GenerateToken("alice")
	require.NoError(t, err)
	_, err = NewJWTManager("other", 1).VerifyToken(tok)
	assert.Error(t, err)
}

func TestVerify_Expired(t *testing.T) {
	m := NewJWTManager("secret", 1)
	claims := OperatorClaims{
		Operator: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.VerifyToken(tok)
	assert.Error(t, err)
}

func TestGenerate_RequiresSecretAndOperator(t *testing.T) {
	_, err := NewJWTManager("", 1).GenerateToken("alice")
	assert.Error(t, err)
	_, err = NewJWTManager("secret", 1).GenerateToken("")
	assert.Error(t, err)
}
