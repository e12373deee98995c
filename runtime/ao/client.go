package ao

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fluxmcp/flux/runtime/ao/ans104"
	"github.com/fluxmcp/flux/runtime/retry"
)

const (
	// DefaultMUURL is the public testnet messenger unit.
	DefaultMUURL = "https://mu.ao-testnet.xyz"
	// DefaultCUURL is the public testnet compute unit.
	DefaultCUURL = "https://cu.ao-testnet.xyz"

	defaultSDK         = "flux"
	defaultSpawnData   = "1984"
	maxErrorBodyLength = 512
)

type (
	// Options configures Client.
	Options struct {
		// MUURL is the messenger unit base URL.
		MUURL string
		// CUURL is the compute unit base URL.
		CUURL string
		// HTTPClient overrides the default client (30s timeout).
		HTTPClient *http.Client
		// SubmitRate limits MU writes per second; zero disables limiting.
		SubmitRate float64
		// SubmitBurst is the limiter burst; defaults to 1.
		SubmitBurst int
		// SDK is the value of the SDK tag on every item.
		SDK string
	}

	// Client implements Network over the MU and CU HTTP APIs.
	Client struct {
		mu      string
		cu      string
		http    *http.Client
		limiter *rate.Limiter
		sdk     string
	}
)

var _ Network = (*Client)(nil)

// New constructs a Client. Empty URLs default to the public testnet units.
func New(opts Options) *Client {
	c := &Client{
		mu:   strings.TrimRight(opts.MUURL, "/"),
		cu:   strings.TrimRight(opts.CUURL, "/"),
		http: opts.HTTPClient,
		sdk:  opts.SDK,
	}
	if c.mu == "" {
		c.mu = DefaultMUURL
	}
	if c.cu == "" {
		c.cu = DefaultCUURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.sdk == "" {
		c.sdk = defaultSDK
	}
	limit := rate.Inf
	if opts.SubmitRate > 0 {
		limit = rate.Limit(opts.SubmitRate)
	}
	burst := opts.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)
	return c
}

// Submit signs a message for req.Process and posts it to the MU.
func (c *Client) Submit(ctx context.Context, req MessageRequest) (SubmittedMessage, error) {
	if req.Process == "" {
		return SubmittedMessage{}, errors.New("process id is required")
	}
	tags := make([]Tag, 0, len(req.Tags)+4)
	tags = append(tags, req.Tags...)
	tags = append(tags,
		Tag{Name: "Data-Protocol", Value: "ao"},
		Tag{Name: "Variant", Value: "ao.TN.1"},
		Tag{Name: "Type", Value: "Message"},
		Tag{Name: "SDK", Value: c.sdk},
	)
	id, err := c.post(ctx, req.Signer, string(req.Process), tags, []byte(req.Data))
	if err != nil {
		return SubmittedMessage{}, err
	}
	return SubmittedMessage{ID: MessageID(id), Process: req.Process, Data: req.Data}, nil
}

// Spawn signs a process item and posts it to the MU.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (ProcessID, error) {
	if req.Module == "" || req.Scheduler == "" {
		return "", errors.New("module and scheduler are required")
	}
	data := req.Data
	if data == "" {
		data = defaultSpawnData
	}
	tags := make([]Tag, 0, len(req.Tags)+6)
	tags = append(tags, req.Tags...)
	tags = append(tags,
		Tag{Name: "Data-Protocol", Value: "ao"},
		Tag{Name: "Variant", Value: "ao.TN.1"},
		Tag{Name: "Type", Value: "Process"},
		Tag{Name: "Module", Value: req.Module},
		Tag{Name: "Scheduler", Value: req.Scheduler},
		Tag{Name: "SDK", Value: c.sdk},
	)
	id, err := c.post(ctx, req.Signer, "", tags, []byte(data))
	if err != nil {
		return "", err
	}
	return ProcessID(id), nil
}

// Fetch reads the result of message from the CU. A result that has not been
// computed yet surfaces as a retryable *retry.HTTPStatusError.
func (c *Client) Fetch(ctx context.Context, message MessageID, process ProcessID) (Outcome, error) {
	u := fmt.Sprintf("%s/result/%s?process-id=%s", c.cu, url.PathEscape(string(message)), url.QueryEscape(string(process)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch result %s: %w", message, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read result %s: %w", message, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, body)
	}
	outcome, err := DecodeOutcome(body)
	if err != nil {
		return nil, fmt.Errorf("decode result %s: %w", message, err)
	}
	return outcome, nil
}

func (c *Client) post(ctx context.Context, signer Signer, target string, tags []Tag, data []byte) (string, error) {
	if signer == nil {
		return "", errors.New("signer is required")
	}
	item, err := ans104.New(target, newAnchor(), tags, data)
	if err != nil {
		return "", err
	}
	if err := item.Sign(signer); err != nil {
		return "", err
	}
	raw, err := item.Bytes()
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mu+"/", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit to messenger unit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return "", fmt.Errorf("submit to messenger unit: %w", statusError(resp.StatusCode, body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return item.ID(), nil
}

// newAnchor returns 32 random ASCII bytes, the anchor length ANS-104 requires.
func newAnchor() []byte {
	id := uuid.New()
	return []byte(strings.ReplaceAll(id.String(), "-", ""))
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBodyLength {
		msg = msg[:maxErrorBodyLength]
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &retry.HTTPStatusError{StatusCode: code, Message: msg}
}
