package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

// Directory resolves an identity to the minimal profile shown on an
// incoming-call screen. It is an opaque external read owned by the main
// twish application; the relay only consumes it, best effort.
type Directory interface {
	Lookup(ctx context.Context, identity string) (protocol.Profile, error)
}

// HTTPDirectory fetches profiles from the twish HTTP API.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (d *HTTPDirectory) Lookup(ctx context.Context, identity string) (protocol.Profile, error) {
	u := fmt.Sprintf("%s/api/users/%s", d.baseURL, url.PathEscape(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return protocol.Profile{}, fmt.Errorf("build profile request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return protocol.Profile{}, fmt.Errorf("fetch profile for %s: %w", identity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return protocol.Profile{}, fmt.Errorf("fetch profile for %s: unexpected status %d", identity, resp.StatusCode)
	}

	var p protocol.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return protocol.Profile{}, fmt.Errorf("decode profile for %s: %w", identity, err)
	}
	return p, nil
}

// StaticDirectory serves profiles from memory. Used when the signaling
// service runs without the main application, and in tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]protocol.Profile
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		profiles: make(map[string]protocol.Profile),
	}
}

func (d *StaticDirectory) Put(identity string, p protocol.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[identity] = p
}

func (d *StaticDirectory) Lookup(ctx context.Context, identity string) (protocol.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.profiles[identity]; ok {
		return p, nil
	}
	// Fall back to a bare username so ringing UIs always have something.
	return protocol.Profile{Name: identity, Username: identity}, nil
}
