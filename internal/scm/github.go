// Package scm talks to the GitHub REST API on behalf of the pipeline.
package scm

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	appErr "github.com/prguard/engine/pkg/errors"
)

const maxDiffBytes = 10 << 20

// Client is the set of GitHub operations the pipeline performs.
type Client interface {
	PostComment(ctx context.Context, repo string, pr int, body string) error
	ApproveReview(ctx context.Context, repo string, pr int, body string) error
	AddLabels(ctx context.Context, repo string, pr int, labels ...string) error
	CreateDeployment(ctx context.Context, repo string, req DeploymentRequest) (int64, error)
	CombinedStatus(ctx context.Context, repo, ref string) (*CombinedStatus, error)
	PullRequestDiff(ctx context.Context, repo string, pr int) ([]byte, error)
}

// DeploymentRequest creates a GitHub deployment. Payload is echoed back on
// deployment_status webhooks.
type DeploymentRequest struct {
	Ref         string
	Environment string
	Description string
	Payload     map[string]any
	AutoMerge   bool
	// Empty slice skips GitHub's own status check enforcement; the gate already did it.
	RequiredContexts []string
}

type CommitStatus struct {
	Context string
	State   string
}

type CombinedStatus struct {
	State    string
	Statuses []CommitStatus
}

// Passing reports whether the combined state is success and every required
// context reported success.
func (s *CombinedStatus) Passing(required []string) bool {
	if s == nil || s.State != "success" {
		return false
	}
	states := make(map[string]string, len(s.Statuses))
	for _, st := range s.Statuses {
		states[st.Context] = st.State
	}
	for _, c := range required {
		if states[c] != "success" {
			return false
		}
	}
	return true
}

// GitHub is a Client bound to one token.
type GitHub struct {
	gh *github.Client
}

var _ Client = (*GitHub)(nil)

// NewGitHub builds a client that authenticates every request with token.
// baseURL is the REST root, https://api.github.com or an Enterprise /api/v3/ URL.
func NewGitHub(ctx context.Context, baseURL, token string) (*GitHub, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeMisconfigured, "invalid github api url").WithMeta("url", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	gh.BaseURL = base
	return &GitHub{gh: gh}, nil
}

func (g *GitHub) PostComment(ctx context.Context, repo string, pr int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, resp, err := g.gh.Issues.CreateComment(ctx, owner, name, pr, &github.IssueComment{Body: github.String(body)})
	return apiError(err, resp, "post comment")
}

func (g *GitHub) ApproveReview(ctx context.Context, repo string, pr int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, resp, err := g.gh.PullRequests.CreateReview(ctx, owner, name, pr, &github.PullRequestReviewRequest{
		Body:  github.String(body),
		Event: github.String("APPROVE"),
	})
	return apiError(err, resp, "approve review")
}

func (g *GitHub) AddLabels(ctx context.Context, repo string, pr int, labels ...string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, resp, err := g.gh.Issues.AddLabelsToIssue(ctx, owner, name, pr, labels)
	return apiError(err, resp, "add labels")
}

func (g *GitHub) CreateDeployment(ctx context.Context, repo string, req DeploymentRequest) (int64, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return 0, err
	}
	contexts := req.RequiredContexts
	if contexts == nil {
		contexts = []string{}
	}
	in := &github.DeploymentRequest{
		Ref:              github.String(req.Ref),
		Environment:      github.String(req.Environment),
		Payload:          req.Payload,
		AutoMerge:        github.Bool(req.AutoMerge),
		RequiredContexts: &contexts,
	}
	if req.Description != "" {
		in.Description = github.String(req.Description)
	}
	d, resp, err := g.gh.Repositories.CreateDeployment(ctx, owner, name, in)
	if err := apiError(err, resp, "create deployment"); err != nil {
		return 0, err
	}
	return d.GetID(), nil
}

func (g *GitHub) CombinedStatus(ctx context.Context, repo, ref string) (*CombinedStatus, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	cs, resp, err := g.gh.Repositories.GetCombinedStatus(ctx, owner, name, ref, &github.ListOptions{PerPage: 100})
	if err := apiError(err, resp, "get combined status"); err != nil {
		return nil, err
	}
	out := &CombinedStatus{State: cs.GetState(), Statuses: make([]CommitStatus, 0, len(cs.Statuses))}
	for _, st := range cs.Statuses {
		out.Statuses = append(out.Statuses, CommitStatus{Context: st.GetContext(), State: st.GetState()})
	}
	return out, nil
}

// PullRequestDiff returns the unified diff, truncated to maxDiffBytes.
func (g *GitHub) PullRequestDiff(ctx context.Context, repo string, pr int) ([]byte, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	diff, resp, err := g.gh.PullRequests.GetRaw(ctx, owner, name, pr, github.RawOptions{Type: github.Diff})
	if err := apiError(err, resp, "fetch pull request diff"); err != nil {
		return nil, err
	}
	if len(diff) > maxDiffBytes {
		diff = diff[:maxDiffBytes]
	}
	return []byte(diff), nil
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", appErr.New(appErr.CodeInvalid, "repository must be owner/name").WithMeta("repo", repo)
	}
	return owner, name, nil
}

// apiError maps a go-github failure onto the error codes the pipeline retries on.
func apiError(err error, resp *github.Response, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return appErr.Wrap(err, appErr.CodeDeadline, "github "+op+" timed out")
	}
	if resp == nil || resp.Response == nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "github "+op+" failed")
	}
	code := appErr.CodeUnavailable
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = appErr.CodeUnauthorized
	case http.StatusNotFound:
		code = appErr.CodeNotFound
	case http.StatusUnprocessableEntity:
		code = appErr.CodeInvalid
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		code = appErr.CodeUnavailable
	}
	return appErr.Wrap(err, code, "github "+op+" failed").WithMeta("status", resp.StatusCode)
}
