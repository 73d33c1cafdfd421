package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-interaction"

func TestIssueAndValidate(t *testing.T) {
	m, err := NewJWTManager(testSecret, "interaction-engine", "clinicians", time.Hour)
	require.NoError(t, err)

	token, err := m.IssueToken("dr-a", "Dr A", "physician")
	require.NoError(t, err)
	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dr-a", claims.Subject)
	assert.Equal(t, "physician", claims.Role)

	ctx := WithClinician(context.Background(), claims)
	got, ok := ClinicianFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "dr-a", got.Subject)
	_, ok = ClinicianFromContext(context.Background())
	assert.False(t, ok)
}

func TestValidateRejects(t *testing.T) {
	m, err := NewJWTManager(testSecret, "interaction-engine", "clinicians", time.Minute)
	require.NoError(t, err)
	token, err := m.IssueToken("dr-a", "", "")
	require.NoError(t, err)

	other, err := NewJWTManager(testSecret, "someone-else", "clinicians", time.Minute)
	require.NoError(t, err)
	_, err = other.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	m.nowFunc = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = m.ValidateToken("")
	assert.True(t, errors.Is(err, ErrInvalidToken))
	_, err = m.ValidateToken(token + "x")
	assert.Error(t, err)

	_, err = NewJWTManager("short", "", "", 0)
	assert.Error(t, err)
}
