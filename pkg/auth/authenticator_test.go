package auth

import (
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotest/device-agent/pkg/protocol"
)

func TestNoTokenAdmitsAll(t *testing.T) {
	a := New("")
	s, err := a.Authenticate(httptest.NewRequest("GET", "/control", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, a.ActiveSessions())
}

func TestTokenMismatchRejected(t *testing.T) {
	a := New("secret")

	r := httptest.NewRequest("GET", "/control", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	_, err := a.Authenticate(r)
	require.Error(t, err)
	var agentErr *protocol.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, protocol.CodeAuthFailed, agentErr.Code)
	assert.Equal(t, protocol.CategoryTransport, agentErr.Category)
	assert.Equal(t, 0, a.ActiveSessions())

	// Missing token is also a mismatch.
	_, err = a.Authenticate(httptest.NewRequest("GET", "/control", nil))
	assert.Error(t, err)
}

func TestTokenAcceptedViaHeaderAndQuery(t *testing.T) {
	a := New("secret")

	r := httptest.NewRequest("GET", "/control", nil)
	r.Header.Set("Authorization", "Bearer secret")
	_, err := a.Authenticate(r)
	assert.NoError(t, err)

	_, err = a.Authenticate(httptest.NewRequest("GET", "/control?token=secret", nil))
	assert.NoError(t, err)
}

func TestSessionIDFormatAndUniqueness(t *testing.T) {
	a := New("")
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := a.Authenticate(httptest.NewRequest("GET", "/control", nil))
		require.NoError(t, err)
		assert.Regexp(t, hex32, s.ID)
		assert.False(t, seen[s.ID], "session id reused")
		seen[s.ID] = true
	}
}

func TestValidateAndInvalidate(t *testing.T) {
	a := New("")
	s, err := a.Authenticate(httptest.NewRequest("GET", "/control", nil))
	require.NoError(t, err)

	before := s.LastActivity
	assert.True(t, a.Validate(s.ID))
	assert.False(t, s.LastActivity.Before(before))

	a.Invalidate(s.ID)
	assert.False(t, a.Validate(s.ID))
	assert.Equal(t, 0, a.ActiveSessions())

	// Unknown ids are a no-op.
	a.Invalidate("missing")
}
