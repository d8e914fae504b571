package scm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	appErr "github.com/prguard/engine/pkg/errors"
)

func newTestGitHub(t *testing.T, baseURL string) *GitHub {
	t.Helper()
	gh, err := NewGitHub(context.Background(), baseURL, "tok")
	require.NoError(t, err)
	return gh
}

func TestGitHubPostComment(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":1}`)
	}))
	defer srv.Close()

	gh, err := NewGitHub(context.Background(), srv.URL+"/", "tok")
	require.NoError(t, err)
	require.NoError(t, gh.PostComment(context.Background(), "acme/api", 7, "hello"))

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/repos/acme/api/issues/7/comments", gotPath)
	assert.Equal(t, "hello", gotBody["body"])
}

func TestGitHubCreateDeployment(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/api/deployments", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":42}`)
	}))
	defer srv.Close()

	id, err := newTestGitHub(t, srv.URL).CreateDeployment(context.Background(), "acme/api", DeploymentRequest{
		Ref:         "abc1234",
		Environment: "production",
		Payload:     map[string]any{"executionId": "acme-api-7-abc1234"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	assert.Equal(t, []any{}, got["required_contexts"])
	assert.Equal(t, "acme-api-7-abc1234", got["payload"].(map[string]any)["executionId"])
}

func TestGitHubPullRequestDiff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github.v3.diff", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, "diff --git a/x b/x\n")
	}))
	defer srv.Close()

	diff, err := newTestGitHub(t, srv.URL).PullRequestDiff(context.Background(), "acme/api", 7)
	require.NoError(t, err)
	require.Equal(t, "diff --git a/x b/x\n", string(diff))
}

func TestGitHubErrorCodes(t *testing.T) {
	cases := []struct {
		status int
		code   appErr.Code
	}{
		{http.StatusUnauthorized, appErr.CodeUnauthorized},
		{http.StatusNotFound, appErr.CodeNotFound},
		{http.StatusUnprocessableEntity, appErr.CodeInvalid},
		{http.StatusBadGateway, appErr.CodeUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		err := newTestGitHub(t, srv.URL).AddLabels(context.Background(), "acme/api", 7, "deploy:approved")
		srv.Close()
		require.Truef(t, appErr.IsCode(err, tc.code), "status %d: %v", tc.status, err)
	}
}

func TestGitHubApproveReview(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/api/pulls/7/reviews", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"id":3,"state":"APPROVED"}`)
	}))
	defer srv.Close()

	require.NoError(t, newTestGitHub(t, srv.URL).ApproveReview(context.Background(), "acme/api", 7, "low risk"))
	assert.Equal(t, "APPROVE", got["event"])
	assert.Equal(t, "low risk", got["body"])
}

func TestGitHubCombinedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/api/commits/abc1234/status", r.URL.Path)
		_, _ = io.WriteString(w, `{"state":"success","statuses":[{"context":"ci/build","state":"success"},{"context":"ci/test","state":"pending"}]}`)
	}))
	defer srv.Close()

	cs, err := newTestGitHub(t, srv.URL).CombinedStatus(context.Background(), "acme/api", "abc1234")
	require.NoError(t, err)
	assert.Equal(t, "success", cs.State)
	assert.Equal(t, []CommitStatus{{Context: "ci/build", State: "success"}, {Context: "ci/test", State: "pending"}}, cs.Statuses)
}

func TestGitHubRejectsMalformedRepo(t *testing.T) {
	err := newTestGitHub(t, "http://127.0.0.1:1").PostComment(context.Background(), "acme", 7, "hello")
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestCombinedStatusPassing(t *testing.T) {
	s := &CombinedStatus{State: "success", Statuses: []CommitStatus{
		{Context: "ci/build", State: "success"},
		{Context: "ci/test", State: "pending"},
	}}
	assert.True(t, s.Passing(nil))
	assert.True(t, s.Passing([]string{"ci/build"}))
	assert.False(t, s.Passing([]string{"ci/build", "ci/test"}))
	assert.False(t, s.Passing([]string{"ci/lint"}))
	assert.False(t, (&CombinedStatus{State: "failure"}).Passing(nil))
	assert.False(t, (*CombinedStatus)(nil).Passing(nil))
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetSecret(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func TestClientCacheRebuildsOnRotationAndReset(t *testing.T) {
	store := &mockStore{}
	store.On("GetSecret", mock.Anything, "github-token").Return("t1", nil).Twice()
	store.On("GetSecret", mock.Anything, "github-token").Return("t2", nil).Twice()

	var built []string
	cache := NewClientCache(store, "github-token", "https://api.github.com")
	cache.build = func(ctx context.Context, baseURL, token string) (Client, error) {
		built = append(built, token)
		return NewGitHub(ctx, baseURL, token)
	}

	c1, err := cache.Get(context.Background())
	require.NoError(t, err)
	c2, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.Same(t, c1, c2)

	c3, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.NotSame(t, c1, c3)

	cache.Reset()
	_, err = cache.Get(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"t1", "t2", "t2"}, built)
	mock.AssertExpectationsForObjects(t, store)
}
