package auth

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	secret, err := GenerateSecret()
	require.NoError(t, err)
	iss, err := NewIssuer(secret)
	require.NoError(t, err)
	return iss
}

func TestIssuer_IssueAndValidate(t *testing.T) {
	iss := newTestIssuer(t)

	token, err := iss.Issue("editor-1", true, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."))

	claims, err := iss.Validate(token)
	require.NoError(t, err)
	assert.True(t, claims.Editor)
	assert.Equal(t, "editor-1", claims.Subject)
}

func TestIssuer_RejectsForeignTokens(t *testing.T) {
	iss := newTestIssuer(t)
	other := newTestIssuer(t)

	token, err := other.Issue("x", true, time.Hour)
	require.NoError(t, err)
	_, err = iss.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "чужой ключ")

	defaulted, err := iss.Issue("x", true, -time.Hour)
	require.NoError(t, err)
	_, err = iss.Validate(defaulted)
	assert.NoError(t, err, "отрицательный ttl заменяется значением по умолчанию")

	_, err = iss.Validate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewIssuer_SecretValidation(t *testing.T) {
	_, err := NewIssuer("%%%")
	assert.Error(t, err)

	_, err = NewIssuer(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrShortSecret)
}
