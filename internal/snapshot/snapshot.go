package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kartik-212004/collaborative-board/pkg/config"
)

// Store is the REST collaborator the relay consults on join: whether a
// room exists, and the shapes drawn so far so a joiner can catch up. The
// relay itself never persists anything.
type Store interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	Shapes(ctx context.Context, roomID string) ([]json.RawMessage, error)
}

// New returns an HTTP-backed store, or a disabled one when no base URL is
// configured. Disabled means every room exists and snapshots are empty,
// matching the relay's implicit-room behavior.
func New(cfg config.SnapshotConfig, logger *slog.Logger) Store {
	if cfg.BaseURL == "" {
		return Disabled{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPStore{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger.With(slog.String("component", "snapshot_store")),
	}
}

// Disabled admits every room and returns empty snapshots.
type Disabled struct{}

func (Disabled) RoomExists(ctx context.Context, roomID string) (bool, error) { return true, nil }
func (Disabled) Shapes(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	return nil, nil
}

// HTTPStore talks to the board's REST API.
type HTTPStore struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

var _ Store = (*HTTPStore)(nil)

func (s *HTTPStore) RoomExists(ctx context.Context, roomID string) (bool, error) {
	resp, err := s.get(ctx, "/api/rooms/"+url.PathEscape(roomID))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("room lookup returned status %d", resp.StatusCode)
	}
}

func (s *HTTPStore) Shapes(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	resp, err := s.get(ctx, "/api/rooms/"+url.PathEscape(roomID)+"/shapes")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shape snapshot returned status %d", resp.StatusCode)
	}

	var body struct {
		Shapes []json.RawMessage `json:"shapes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode shape snapshot: %w", err)
	}
	return body.Shapes, nil
}

func (s *HTTPStore) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return s.client.Do(req)
}
