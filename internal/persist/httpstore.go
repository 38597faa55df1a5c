package persist

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/you/lampbot/internal/core"
)

const maxSnapshotBytes = 32 << 20

// HTTPStore keeps the snapshot in a remote key/value endpoint: GET returns
// the stored blob (404 when empty), PUT replaces it.
type HTTPStore struct {
	URL   string
	Token string
	HTTP  *http.Client
}

func NewHTTPStore(url, token string) *HTTPStore {
	return &HTTPStore{
		URL:   url,
		Token: token,
		HTTP:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPStore) Name() string { return "http" }

func (h *HTTPStore) client() *http.Client {
	if h.HTTP != nil {
		return h.HTTP
	}
	return http.DefaultClient
}

func (h *HTTPStore) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	return req, nil
}

func (h *HTTPStore) Load(ctx context.Context) ([]byte, error) {
	req, err := h.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, errors.Wrapf(core.ErrExternalLookup, "http store get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrap(core.ErrNotFound, "http store")
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Wrapf(core.ErrExternalLookup, "http store get: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read http store body")
	}
	if len(data) == 0 {
		return nil, errors.Wrap(core.ErrNotFound, "http store empty")
	}
	return data, nil
}

func (h *HTTPStore) Store(ctx context.Context, data []byte) error {
	req, err := h.newRequest(ctx, http.MethodPut, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return errors.Wrapf(core.ErrExternalLookup, "http store put: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return errors.Wrapf(core.ErrExternalLookup, "http store put: status %d", resp.StatusCode)
	}
	return nil
}
