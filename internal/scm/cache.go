package scm

import (
	"context"
	"sync"

	"github.com/prguard/engine/internal/secrets"
)

// ClientCache builds the GitHub client on first use and reuses it until the
// token secret changes or Reset is called.
type ClientCache struct {
	secrets  secrets.Store
	secretID string
	baseURL  string
	build    func(ctx context.Context, baseURL, token string) (Client, error)

	mu     sync.Mutex
	token  string
	client Client
}

var _ Client = (*ClientCache)(nil)

func NewClientCache(store secrets.Store, tokenSecretID, baseURL string) *ClientCache {
	return &ClientCache{
		secrets:  store,
		secretID: tokenSecretID,
		baseURL:  baseURL,
		build: func(ctx context.Context, baseURL, token string) (Client, error) {
			// the oauth2 transport must outlive the request that built it
			return NewGitHub(context.WithoutCancel(ctx), baseURL, token)
		},
	}
}

// Get returns the cached client, rebuilding it if the token rotated.
func (c *ClientCache) Get(ctx context.Context) (Client, error) {
	token, err := c.secrets.GetSecret(ctx, c.secretID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.token != token {
		cl, err := c.build(ctx, c.baseURL, token)
		if err != nil {
			return nil, err
		}
		c.client = cl
		c.token = token
	}
	return c.client, nil
}

// Reset forgets the cached client.
func (c *ClientCache) Reset() {
	c.mu.Lock()
	c.client = nil
	c.token = ""
	c.mu.Unlock()
}

func (c *ClientCache) PostComment(ctx context.Context, repo string, pr int, body string) error {
	cl, err := c.Get(ctx)
	if err != nil {
		return err
	}
	return cl.PostComment(ctx, repo, pr, body)
}

func (c *ClientCache) ApproveReview(ctx context.Context, repo string, pr int, body string) error {
	cl, err := c.Get(ctx)
	if err != nil {
		return err
	}
	return cl.ApproveReview(ctx, repo, pr, body)
}

func (c *ClientCache) AddLabels(ctx context.Context, repo string, pr int, labels ...string) error {
	cl, err := c.Get(ctx)
	if err != nil {
		return err
	}
	return cl.AddLabels(ctx, repo, pr, labels...)
}

func (c *ClientCache) CreateDeployment(ctx context.Context, repo string, req DeploymentRequest) (int64, error) {
	cl, err := c.Get(ctx)
	if err != nil {
		return 0, err
	}
	return cl.CreateDeployment(ctx, repo, req)
}

func (c *ClientCache) CombinedStatus(ctx context.Context, repo, ref string) (*CombinedStatus, error) {
	cl, err := c.Get(ctx)
	if err != nil {
		return nil, err
	}
	return cl.CombinedStatus(ctx, repo, ref)
}

func (c *ClientCache) PullRequestDiff(ctx context.Context, repo string, pr int) ([]byte, error) {
	cl, err := c.Get(ctx)
	if err != nil {
		return nil, err
	}
	return cl.PullRequestDiff(ctx, repo, pr)
}
