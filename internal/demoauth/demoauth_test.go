package demoauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewManager("", "", time.Hour)
	require.NoError(t, err)

	tok, exp, err := mgr.IssueToken("dashboard", []string{"orders", "invoices"})
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := mgr.ValidateToken(tok)
	require.NoError(t, err)
	require.Equal(t, "dashboard", claims.Subject)
	require.True(t, claims.Allows("orders"))
	require.False(t, claims.Allows("customers"))
}

func TestAllowsWildcard(t *testing.T) {
	claims := &Claims{Collections: []string{"*"}}
	require.True(t, claims.Allows("anything"))
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	mgr1, err := NewManager("", "", time.Hour)
	require.NoError(t, err)
	mgr2, err := NewManager("", "", time.Hour)
	require.NoError(t, err)

	tok, _, err := mgr1.IssueToken("dashboard", []string{"*"})
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(tok)
	require.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	mgr, err := NewManager("", "", -time.Minute)
	require.NoError(t, err)

	tok, _, err := mgr.IssueToken("dashboard", []string{"*"})
	require.NoError(t, err)

	_, err = mgr.ValidateToken(tok)
	require.Error(t, err)
}
