package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerToken(t *testing.T) {
	token, hash, err := NewRunnerToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, runnerTokenPrefix))
	assert.Equal(t, HashToken(token), hash)
	assert.True(t, VerifyToken(token, hash))
	assert.False(t, VerifyToken(token+"x", hash))
	assert.False(t, VerifyToken("", hash))
	assert.False(t, VerifyToken(token, ""))

	other, _, err := NewRunnerToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func newContext(header http.Header) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header = header
	return c
}

func TestExtractBearer(t *testing.T) {
	c := newContext(http.Header{"Authorization": {"Bearer abc"}})
	assert.Equal(t, "abc", ExtractBearer(c))

	c = newContext(http.Header{"Authorization": {"Basic abc"}})
	assert.Equal(t, "", ExtractBearer(c))
}

func TestExtractSubprotocolToken(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{name: "single header", values: []string{"runner.v1, tok"}, want: "tok"},
		{name: "split headers", values: []string{"runner.v1", "tok"}, want: "tok"},
		{name: "no token", values: []string{"runner.v1"}, want: ""},
		{name: "wrong protocol", values: []string{"other, tok"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(http.Header{"Sec-Websocket-Protocol": tt.values})
			assert.Equal(t, tt.want, ExtractSubprotocolToken(c, "runner.v1"))
		})
	}
}

func TestOperatorToken(t *testing.T) {
	secret := []byte("s3cret")

	token, err := IssueOperatorToken("ops@example.com", "jobs:write", time.Minute, secret)
	require.NoError(t, err)

	claims, err := ParseOperatorToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, "jobs:write", claims.Scope)

	_, err = ParseOperatorToken(token, []byte("other"))
	assert.Error(t, err)

	expired, err := IssueOperatorToken("ops@example.com", "", -time.Minute, secret)
	require.NoError(t, err)
	_, err = ParseOperatorToken(expired, secret)
	assert.Error(t, err)
}
