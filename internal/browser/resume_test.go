package browser

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeeeepa/codegenapp/internal/slots"
)

func TestResume_MissingAuthContextFailsFast(t *testing.T) {
	cs := NewContextStore(filepath.Join(t.TempDir(), "auth.json"))
	pool := slots.NewPool(1)
	r := NewResumer(cs, pool, Config{Headless: true})

	err := r.Resume(context.Background(), "https://app.example.com/chat/1", "continue")
	assert.ErrorIs(t, err, ErrAuthContextMissing)

	// No slot may leak on the fast path.
	assert.Equal(t, 1, pool.Available())
}

func TestResume_NoCapacity(t *testing.T) {
	path := writeAuthFile(t, cookieAuthJSON("session"))
	cs := NewContextStore(path)

	pool := slots.NewPool(1)
	require.NoError(t, pool.Acquire())

	r := NewResumer(cs, pool, Config{Headless: true})
	err := r.Resume(context.Background(), "https://app.example.com/chat/1", "continue")
	assert.ErrorIs(t, err, slots.ErrNoCapacity)
}

func TestElementNotFoundError(t *testing.T) {
	e := &ElementNotFoundError{Element: "message input"}
	assert.Equal(t, "element not found: message input", e.Error())

	e.Screenshot = "/tmp/resume-1.png"
	assert.Contains(t, e.Error(), "message input")
	assert.Contains(t, e.Error(), "/tmp/resume-1.png")
}

func TestStrategiesCoverFallbackChain(t *testing.T) {
	require.Len(t, strategies, 4)
	assert.Equal(t, "structural", strategies[0].Name)
	assert.Equal(t, "attribute-based", strategies[len(strategies)-1].Name)

	for _, s := range strategies {
		assert.NotEmpty(t, s.Input, s.Name)
		assert.NotEmpty(t, s.Send, s.Name)
	}
}
