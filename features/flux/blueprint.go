package flux

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBlueprintBase hosts the official aos blueprints.
const DefaultBlueprintBase = "https://raw.githubusercontent.com/permaweb/aos/refs/heads/main/blueprints"

const maxBlueprintSize = 4 << 20

// BlueprintSource downloads blueprint source text over plain HTTP.
type BlueprintSource struct {
	base string
	http *http.Client
}

// NewBlueprintSource returns a source resolving names under base. An empty
// base uses DefaultBlueprintBase; a nil client gets a 30s timeout.
func NewBlueprintSource(base string, client *http.Client) *BlueprintSource {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = DefaultBlueprintBase
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &BlueprintSource{base: base, http: client}
}

// URLFor returns the URL of the named blueprint.
func (b *BlueprintSource) URLFor(name string) string {
	return b.base + "/" + url.PathEscape(name) + ".lua"
}

// Fetch GETs rawURL and returns the body as text.
func (b *BlueprintSource) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build blueprint request: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch blueprint %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch blueprint %s: %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBlueprintSize+1))
	if err != nil {
		return "", fmt.Errorf("read blueprint %s: %w", rawURL, err)
	}
	if len(body) > maxBlueprintSize {
		return "", fmt.Errorf("blueprint %s exceeds %d bytes", rawURL, maxBlueprintSize)
	}
	return string(body), nil
}
