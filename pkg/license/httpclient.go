package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/domain"
)

// HTTPManagerClient talks to the external license manager over HTTP,
// grounded on the teacher's HTTPFetcher pattern (fetch, decode, bail on
// 4xx/5xx responses; 5xx and transport errors map to UNAVAILABLE).
type HTTPManagerClient struct {
	client  *http.Client
	baseURL *url.URL
	bearer  string
}

// NewHTTPManagerClient constructs a client against baseURL. client
// defaults to a 10s-timeout http.Client when nil.
func NewHTTPManagerClient(client *http.Client, baseURL string) (*HTTPManagerClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("license manager base url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPManagerClient{client: client, baseURL: u}, nil
}

// WithBearerToken attaches an Authorization header to every outbound
// request, typically a secret pulled from pkg/secretstore at startup.
func (c *HTTPManagerClient) WithBearerToken(token string) *HTTPManagerClient {
	c.bearer = token
	return c
}

func (c *HTTPManagerClient) Activate(ctx context.Context, customer, tenant string, keyVersion int) (domain.Activation, error) {
	var out domain.Activation
	body := map[string]any{"customer": customer, "tenant": tenant, "key_version": keyVersion}
	if err := c.post(ctx, "/v1/activations", body, &out); err != nil {
		return domain.Activation{}, err
	}
	return out, nil
}

func (c *HTTPManagerClient) Sync(ctx context.Context, customer string) (domain.License, error) {
	var out domain.License
	u := c.endpoint("/v1/licenses/" + url.PathEscape(customer))
	if err := c.get(ctx, u, &out); err != nil {
		return domain.License{}, err
	}
	return out, nil
}

func (c *HTTPManagerClient) Notify(ctx context.Context, customer string, used int64) error {
	body := map[string]any{"customer": customer, "used": used}
	return c.post(ctx, "/v1/usage", body, nil)
}

func (c *HTTPManagerClient) endpoint(path string) *url.URL {
	ref, _ := url.Parse(path)
	return c.baseURL.ResolveReference(ref)
}

func (c *HTTPManagerClient) get(ctx context.Context, u *url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "license: build request")
	}
	return c.do(req, out)
}

func (c *HTTPManagerClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "license: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path).String(), bytes.NewReader(raw))
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "license: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPManagerClient) do(req *http.Request, out any) error {
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindUnavailable, "license: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return internalerrors.Unavailable("license: manager returned " + strconv.Itoa(resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return internalerrors.Newf(internalerrors.KindInternal, "license: manager rejected request with %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "license: decode response")
	}
	return nil
}
