package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAuthFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAuthContext_MissingFile(t *testing.T) {
	_, err := LoadAuthContext(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrAuthContextMissing)
}

func TestLoadAuthContext_InvalidJSON(t *testing.T) {
	path := writeAuthFile(t, "{not json")
	_, err := LoadAuthContext(path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthContextMissing)
	assert.Contains(t, err.Error(), "parse auth context")
}

func TestLoadAuthContext_EmptyContext(t *testing.T) {
	path := writeAuthFile(t, `{"cookies": [], "user_agent": "Mozilla/5.0"}`)
	_, err := LoadAuthContext(path)
	assert.ErrorIs(t, err, ErrAuthContextMissing)
}

func TestLoadAuthContext_Valid(t *testing.T) {
	path := writeAuthFile(t, `{
		"cookies": [
			{"name": "session", "value": "abc123", "domain": ".example.com", "path": "/", "secure": true, "httpOnly": true, "expires": 1767225600}
		],
		"local_storage": {"token": "xyz"},
		"user_agent": "Mozilla/5.0",
		"headers": {"X-Org": "org-1"}
	}`)

	auth, err := LoadAuthContext(path)
	require.NoError(t, err)

	require.Len(t, auth.Cookies, 1)
	assert.Equal(t, "session", auth.Cookies[0].Name)
	assert.Equal(t, "abc123", auth.Cookies[0].Value)
	assert.Equal(t, ".example.com", auth.Cookies[0].Domain)
	assert.True(t, auth.Cookies[0].Secure)
	assert.True(t, auth.Cookies[0].HTTPOnly)
	assert.Equal(t, "xyz", auth.LocalStorage["token"])
	assert.Equal(t, "Mozilla/5.0", auth.UserAgent)
	assert.Equal(t, "org-1", auth.Headers["X-Org"])
}

func TestAuthContextValidate(t *testing.T) {
	tests := []struct {
		name string
		auth *AuthContext
		ok   bool
	}{
		{"nil", nil, false},
		{"empty", &AuthContext{UserAgent: "Mozilla/5.0"}, false},
		{"cookies only", &AuthContext{Cookies: []Cookie{{Name: "s", Value: "v"}}}, true},
		{"local storage only", &AuthContext{LocalStorage: map[string]string{"k": "v"}}, true},
		{"session storage only", &AuthContext{SessionStorage: map[string]string{"k": "v"}}, true},
		{"headers only", &AuthContext{Headers: map[string]string{"Authorization": "Bearer t"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.auth.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrAuthContextMissing)
			}
		})
	}
}
