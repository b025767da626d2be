package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// GitHubSink posts commit statuses through the GitHub REST API.
type GitHubSink struct {
	baseURL   string
	token     string
	targetURL string
	client    *http.Client
	limiter   *rate.Limiter
}

// GitHubOption configures a GitHubSink.
type GitHubOption func(*GitHubSink)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) GitHubOption { return func(s *GitHubSink) { s.client = c } }

// WithTargetURL sets the link shown next to each status.
func WithTargetURL(u string) GitHubOption { return func(s *GitHubSink) { s.targetURL = u } }

// WithRateLimit caps requests per second. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) GitHubOption {
	return func(s *GitHubSink) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewGitHubSink returns a sink for the API at baseURL (DefaultGitHubAPI when
// empty) authenticated with token.
func NewGitHubSink(baseURL, token string, opts ...GitHubOption) *GitHubSink {
	if baseURL == "" {
		baseURL = DefaultGitHubAPI
	}
	s := &GitHubSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type githubStatus struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description"`
	Context     string `json:"context"`
}

// SetStatus implements Sink.
func (s *GitHubSink) SetStatus(ctx context.Context, u Update) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	body, err := json.Marshal(githubStatus{
		State:       string(u.State),
		TargetURL:   s.targetURL,
		Description: u.Description,
		Context:     u.Scope,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", s.baseURL,
		url.PathEscape(u.Revision.Owner), url.PathEscape(u.Revision.Repo), url.PathEscape(u.Revision.SHA))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("github status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github status: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
