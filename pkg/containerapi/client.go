package containerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"k8s.io/klog/v2"
)

var (
	// ErrBackendUnavailable indicates that the container backend could not be reached.
	ErrBackendUnavailable = errors.New("containerapi: container backend unavailable")

	// ErrSetupFailed indicates that the container backend rejected a codebase setup request.
	ErrSetupFailed = errors.New("containerapi: setup codebase failed")
)

// Client calls the remote container backend that provisions per-user
// code-execution sandboxes.
//
// CreateContainer and DeleteContainer are background maintenance operations:
// they report an Outcome that the caller may ignore, and never surface an
// error that would block a login or logout flow. SetupCodebase, BuildAndRun
// and Submit are user-initiated and propagate failures to the caller.
type Client interface {
	CreateContainer(ctx context.Context, username string) Outcome
	DeleteContainer(ctx context.Context, username string) Outcome
	SetupCodebase(ctx context.Context, req *SetupCodebaseRequest) (*SetupCodebaseResponse, error)
	BuildAndRun(ctx context.Context, req *RunRequest) (json.RawMessage, error)
	Submit(ctx context.Context, req *RunRequest) (json.RawMessage, error)
}

// Outcome is the result of a best-effort backend call. Callers that fire and
// forget can drop it; tests and sweep loops can inspect it.
type Outcome struct {
	Op       string
	Username string
	Err      error
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// SetupCodebaseRequest asks the backend to place a problem's starter code
// inside the user's container.
type SetupCodebaseRequest struct {
	Username   string `json:"username"`
	QuestionID string `json:"question_id"`
	Lang       string `json:"lang"`
	Original   bool   `json:"original"`
}

// SetupCodebaseResponse carries the container access details returned by the
// backend once the codebase is in place.
type SetupCodebaseResponse struct {
	Token        string `json:"token"`
	ContainerURL string `json:"container_url"`
	Message      string `json:"message,omitempty"`
}

// RunRequest is shared by the build-and-run and submit endpoints.
type RunRequest struct {
	Username   string `json:"username"`
	QuestionID string `json:"question_id"`
	Lang       string `json:"lang"`
	Profile    string `json:"profile"`
}

// httpClient is the concrete Client backed by net/http.
type httpClient struct {
	baseURL string
	client  *http.Client
	signer  *Signer
}

// NewClient creates a Client for the backend at baseURL. signer may be nil,
// in which case outbound requests are unsigned.
func NewClient(baseURL string, timeout time.Duration, signer *Signer) Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		baseURL: baseURL,
		signer:  signer,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				ForceAttemptHTTP2:   true,
				MaxIdleConnsPerHost: 100,
			},
		},
	}
}

// CreateContainer asks the backend to provision a container for username.
// Failures are logged and reported in the Outcome only; container creation
// must never fail the login flow that triggered it.
func (c *httpClient) CreateContainer(ctx context.Context, username string) Outcome {
	err := c.getByUsername(ctx, "/create_container", username)
	if err != nil {
		klog.Errorf("create container for %q failed: %v", username, err)
	}
	return Outcome{Op: "create", Username: username, Err: err}
}

// DeleteContainer asks the backend to tear down username's container.
// Failures are logged and reported in the Outcome only, so logout and the
// idle sweep are never blocked by a cleanup failure.
func (c *httpClient) DeleteContainer(ctx context.Context, username string) Outcome {
	err := c.getByUsername(ctx, "/delete_container", username)
	if err != nil {
		klog.Errorf("delete container for %q failed: %v", username, err)
	}
	return Outcome{Op: "delete", Username: username, Err: err}
}

// SetupCodebase places the starter code for a problem inside the user's
// container and returns the container access details. This call is
// user-initiated, so failures propagate.
func (c *httpClient) SetupCodebase(ctx context.Context, req *SetupCodebaseRequest) (*SetupCodebaseResponse, error) {
	if req == nil || req.Username == "" || req.QuestionID == "" {
		return nil, fmt.Errorf("%w: missing username or question id", ErrSetupFailed)
	}

	body, err := c.postJSON(ctx, "/setup_user_codebase", req)
	if err != nil {
		return nil, err
	}

	var resp SetupCodebaseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrSetupFailed, err)
	}
	return &resp, nil
}

// BuildAndRun compiles and runs the user's current solution. The backend
// response is passed through verbatim for the route layer to relay.
func (c *httpClient) BuildAndRun(ctx context.Context, req *RunRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "/build_and_run_question", req)
}

// Submit grades the user's current solution.
func (c *httpClient) Submit(ctx context.Context, req *RunRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "/submit_question", req)
}

func (c *httpClient) getByUsername(ctx context.Context, path, username string) error {
	u := fmt.Sprintf("%s%s?username=%s", c.baseURL, path, url.QueryEscape(username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	if err := c.sign(req, username); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	// Drain the text body so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("container backend returned status %d for %s", resp.StatusCode, path)
	}
	return nil
}

func (c *httpClient) postJSON(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.sign(req, usernameFromPayload(payload)); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d, body: %s", ErrSetupFailed, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *httpClient) sign(req *http.Request, username string) error {
	if c.signer == nil {
		return nil
	}
	token, err := c.signer.Token(username)
	if err != nil {
		return fmt.Errorf("sign backend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func usernameFromPayload(payload any) string {
	switch p := payload.(type) {
	case *SetupCodebaseRequest:
		return p.Username
	case *RunRequest:
		return p.Username
	}
	return ""
}
