package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackSend(t *testing.T) {
	var got slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewSlack(server.URL)
	err := s.Send(context.Background(), Notification{
		Title:    "pipeline failed",
		Message:  "build step exhausted retries",
		Severity: SeverityError,
		RunID:    "run-1",
		PRURL:    "https://github.com/acme/app/pull/7",
	})
	require.NoError(t, err)

	assert.Equal(t, "pipeline failed", got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "danger", got.Attachments[0].Color)
	assert.Equal(t, "run run-1", got.Attachments[0].Title)
	assert.Contains(t, got.Attachments[0].Text, "https://github.com/acme/app/pull/7")
}

func TestSlackSend_EmptyURLDisabled(t *testing.T) {
	s := NewSlack("")
	assert.NoError(t, s.Send(context.Background(), Notification{Title: "ignored"}))
}

func TestSlackSend_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlack(server.URL).Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSlackColors(t *testing.T) {
	assert.Equal(t, "good", slackColor(SeveritySuccess))
	assert.Equal(t, "warning", slackColor(SeverityWarning))
	assert.Equal(t, "danger", slackColor(SeverityError))
	assert.Equal(t, "#439FE0", slackColor(SeverityInfo))
}

type failingNotifier struct{ err error }

func (f failingNotifier) Send(ctx context.Context, n Notification) error { return f.err }

type recordingNotifier struct{ got []Notification }

func (r *recordingNotifier) Send(ctx context.Context, n Notification) error {
	r.got = append(r.got, n)
	return nil
}

func TestMultiSendsToAllAndKeepsLastError(t *testing.T) {
	rec := &recordingNotifier{}
	boom := errors.New("boom")
	m := NewMulti(failingNotifier{err: boom}, rec)

	err := m.Send(context.Background(), Notification{Title: "hello"})
	assert.ErrorIs(t, err, boom)
	require.Len(t, rec.got, 1)
	assert.Equal(t, "hello", rec.got[0].Title)
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Send(context.Background(), Notification{Title: "x"}))
}
