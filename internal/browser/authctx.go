package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrAuthContextMissing is returned when no usable authentication context is
// available. The caller must not open a browser in that case.
var ErrAuthContextMissing = errors.New("auth context missing or empty")

// Cookie is one browser cookie exported from a real user session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 for session cookies
}

// AuthContext carries a captured browser session: cookies, web storage,
// user agent, and any extra headers the web app expects.
type AuthContext struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
	UserAgent      string            `json:"user_agent"`
	Headers        map[string]string `json:"headers"`
}

// Validate checks that the context carries at least one credential source.
func (a *AuthContext) Validate() error {
	if a == nil {
		return ErrAuthContextMissing
	}
	if len(a.Cookies) == 0 && len(a.LocalStorage) == 0 && len(a.SessionStorage) == 0 && len(a.Headers) == 0 {
		return ErrAuthContextMissing
	}
	return nil
}

// LoadAuthContext reads and validates an auth context JSON file.
func LoadAuthContext(path string) (*AuthContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAuthContextMissing
		}
		return nil, fmt.Errorf("read auth context: %w", err)
	}

	var auth AuthContext
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("parse auth context: %w", err)
	}
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	return &auth, nil
}
