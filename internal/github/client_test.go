package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Token: "gh-token"})
}

func TestGetPullRequest(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/widgets/pulls/12", r.URL.Path)
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))

		w.Write([]byte(`{
			"number": 12,
			"title": "Add feature",
			"state": "open",
			"merged": false,
			"html_url": "https://github.com/octo/widgets/pull/12",
			"head": {"ref": "feature-x", "sha": "abc123"},
			"base": {"ref": "main"}
		}`))
	}))

	pr, err := c.GetPullRequest(context.Background(), "octo", "widgets", 12)
	require.NoError(t, err)
	assert.Equal(t, 12, pr.Number)
	assert.Equal(t, "open", pr.State)
	assert.Equal(t, "feature-x", pr.Head.Ref)
	assert.Equal(t, "main", pr.Base.Ref)
}

func TestMergePullRequest(t *testing.T) {
	var gotMethod string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/repos/octo/widgets/pulls/12/merge", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotMethod = body["merge_method"]

		w.Write([]byte(`{"merged": true}`))
	}))

	require.NoError(t, c.MergePullRequest(context.Background(), "octo", "widgets", 12, ""))
	assert.Equal(t, "squash", gotMethod, "default merge method")
}

func TestCreateIssueComment(t *testing.T) {
	var gotBody string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/widgets/issues/12/comments", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBody = body["body"]

		w.WriteHeader(http.StatusCreated)
	}))

	require.NoError(t, c.CreateIssueComment(context.Background(), "octo", "widgets", 12, "validation passed"))
	assert.Equal(t, "validation passed", gotBody)
}

func TestCompareDiff(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/widgets/compare/main...feature-x", r.URL.Path)
		assert.Equal(t, "application/vnd.github.diff", r.Header.Get("Accept"))
		w.Write([]byte("diff --git a/main.go b/main.go"))
	}))

	diff, err := c.CompareDiff(context.Background(), "octo", "widgets", "main", "feature-x")
	require.NoError(t, err)
	assert.Contains(t, diff, "diff --git")
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in    string
		owner string
		repo  string
		ok    bool
	}{
		{"https://github.com/octo/widgets", "octo", "widgets", true},
		{"https://github.com/octo/widgets.git", "octo", "widgets", true},
		{"git@github.com:octo/widgets.git", "octo", "widgets", true},
		{"https://github.com/octo/widgets/pull/3", "octo", "widgets", true},
		{"https://github.com/", "", "", false},
		{"not a url at all", "", "", false},
	}

	for _, tt := range tests {
		owner, repo, err := ParseRepoURL(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}
