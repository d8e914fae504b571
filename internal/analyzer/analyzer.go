// Package analyzer calls the external risk analysis engine.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/prguard/engine/internal/models"
	appErr "github.com/prguard/engine/pkg/errors"
)

// Request describes the change to analyse.
type Request struct {
	RepoFullName string `json:"repoFullName"`
	PRNumber     int    `json:"prNumber"`
	HeadSHA      string `json:"headSha"`
	Title        string `json:"title,omitempty"`
	Diff         string `json:"diff"`
}

// Analyzer returns findings for a pull request diff.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) ([]models.Finding, error)
}

type response struct {
	Findings []models.Finding `json:"findings" validate:"dive"`
}

// HTTPAnalyzer posts the request to an analysis service.
type HTTPAnalyzer struct {
	url      string
	client   *http.Client
	validate *validator.Validate
}

var _ Analyzer = (*HTTPAnalyzer)(nil)

func NewHTTPAnalyzer(url string, client *http.Client) *HTTPAnalyzer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAnalyzer{url: url, client: client, validate: validator.New()}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) ([]models.Finding, error) {
	if a.url == "" {
		return nil, appErr.New(appErr.CodeMisconfigured, "analyzer url not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode analysis request failed")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeMisconfigured, "build analysis request failed")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "analysis request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, appErr.New(appErr.CodeUnavailable, "analysis service error").WithMeta("status", resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode analysis response failed")
	}
	if err := a.validate.Struct(&out); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "analysis response invalid")
	}
	return out.Findings, nil
}
