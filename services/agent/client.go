package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/pkg/crypto"
	"fleetd/pkg/envelope"
	"fleetd/services/hub"
)

const (
	// HealthRetryInterval is the delay between health probes while the hub is unreachable.
	HealthRetryInterval = 10 * time.Second

	callTimeout = 30 * time.Second
)

// ErrNoDeployment is returned by Details when nothing is pending.
var ErrNoDeployment = errors.New("no pending deployment")

// StatusError is a non-2xx hub response.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Path, e.Status, e.Body)
}

// Client talks to the hub. Every call after enrollment is enveloped.
type Client struct {
	base   string
	http   *http.Client
	engine *crypto.Engine
	logger zerolog.Logger

	hubKey crypto.PublicKey
	sealer *envelope.Sealer
}

// NewClient builds a client for the hub at baseURL.
func NewClient(baseURL string, httpClient *http.Client, engine *crypto.Engine, logger zerolog.Logger) (*Client, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   httpClient,
		engine: engine,
		logger: logger,
	}, nil
}

// Trust pins the hub key used to seal requests and open responses.
func (c *Client) Trust(hubKey crypto.PublicKey) error {
	sealer, err := envelope.NewSealer(c.engine, envelope.Trust(hubKey))
	if err != nil {
		return err
	}
	c.hubKey = hubKey
	c.sealer = sealer
	return nil
}

// Healthy performs one health probe.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: "/healthz", Status: resp.StatusCode}
	}
	return nil
}

// WaitHealthy blocks until the hub answers its health probe. It only fails
// when ctx ends.
func (c *Client) WaitHealthy(ctx context.Context, every time.Duration) error {
	for attempt := 0; ; attempt++ {
		err := c.Healthy(ctx)
		if err == nil {
			if attempt > 0 {
				c.logger.Info().Int("attempts", attempt+1).Msg("hub reachable")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev := c.logger.Debug()
		if attempt == 0 {
			ev = c.logger.Warn()
		}
		ev.Err(err).Dur("retry_in", every).Msg("hub unreachable")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(every):
		}
	}
}

// Announce runs enrollment step one.
func (c *Client) Announce(ctx context.Context, req hub.AnnounceRequest) (hub.AnnounceResponse, error) {
	var resp hub.AnnounceResponse
	err := c.postPlain(ctx, "/enroll", req, &resp)
	return resp, err
}

// Verify runs enrollment step two.
func (c *Client) Verify(ctx context.Context, req hub.VerifyRequest) error {
	return c.postPlain(ctx, "/enroll/verify", req, nil)
}

// Poll sends the periodic update check.
func (c *Client) Poll(ctx context.Context, req hub.PollRequest) (hub.PollResponse, error) {
	var resp hub.PollResponse
	err := c.postSealed(ctx, "/poll", req, &resp)
	return resp, err
}

// Details fetches the next pending deployment, or ErrNoDeployment.
func (c *Client) Details(ctx context.Context) (hub.DeploymentDetails, error) {
	var resp hub.DeploymentDetails
	err := c.postSealed(ctx, "/deployment/details", struct{}{}, &resp)
	var status *StatusError
	if errors.As(err, &status) && status.Status == http.StatusNotFound {
		return hub.DeploymentDetails{}, ErrNoDeployment
	}
	return resp, err
}

// Report sends a deployment result.
func (c *Client) Report(ctx context.Context, req hub.ResultRequest) error {
	return c.postSealed(ctx, "/deployment/result", req, nil)
}

// DownloadPackage writes the encrypted package for deploymentID to path.
func (c *Client) DownloadPackage(ctx context.Context, deploymentID uuid.UUID, path string) error {
	return c.download(ctx, "/deployment/"+deploymentID.String(), path)
}

// DownloadBinary writes the hub's current agent binary to path.
func (c *Client) DownloadBinary(ctx context.Context, path string) error {
	return c.download(ctx, "/binary", path)
}

func (c *Client) download(ctx context.Context, path, dst string) error {
	body, err := c.seal(struct{}{})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func (c *Client) seal(payload any) ([]byte, error) {
	if c.sealer == nil {
		return nil, errors.New("hub key not trusted yet")
	}
	env, err := c.sealer.SealValue(payload, c.hubKey)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (c *Client) postSealed(ctx context.Context, path string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := c.seal(payload)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", path, err)
	}
	msg, err := c.sealer.Open(ctx, env)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return msg.Decode(out)
}

func (c *Client) postPlain(ctx context.Context, path string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

// post sends body and returns the response when it is 2xx.
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return resp, nil
}
