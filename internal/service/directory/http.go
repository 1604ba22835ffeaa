package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"securemsg/internal/model"

	"github.com/google/uuid"
)

type (
	// HTTPClient talks to the directory routes of the relay server.
	HTTPClient struct {
		base *url.URL
		hc   *http.Client
	}

	RevokeRequest struct {
		Signature []byte `json:"signature"`
	}

	PreKeyCountResponse struct {
		Count int `json:"count"`
	}
)

var _ Directory = (*HTTPClient)(nil)

func NewHTTPClient(serverURL string, hc *http.Client) (*HTTPClient, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: base, hc: hc}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	u := c.base.JoinPath(path)

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps directory responses back onto the error taxonomy.
func statusError(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := string(bytes.TrimSpace(msg))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("directory: %s: %w", text, model.ErrUnknownKey)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("directory: %s: %w", text, model.ErrUntrustedKeyBundle)
	case http.StatusConflict:
		return fmt.Errorf("directory: %s: %w", text, model.ErrKeyAgreementFailed)
	case http.StatusForbidden:
		return fmt.Errorf("directory: %s: %w", text, model.ErrInvalidSignature)
	default:
		return fmt.Errorf("directory: %s: %s", resp.Status, text)
	}
}

func (c *HTTPClient) PublishBundle(ctx context.Context, b *model.KeyBundle) error {
	return c.do(ctx, http.MethodPost, "/bundles", b, nil)
}

func (c *HTTPClient) FetchBundles(ctx context.Context, userID string) ([]*model.KeyBundle, error) {
	var out []*model.KeyBundle
	if err := c.do(ctx, http.MethodGet, "/bundles/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) FetchKey(ctx context.Context, keyID uuid.UUID) (*model.KeyBundle, error) {
	var out model.KeyBundle
	if err := c.do(ctx, http.MethodGet, "/keys/"+keyID.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RevokeKey(ctx context.Context, keyID uuid.UUID, sig []byte) error {
	return c.do(ctx, http.MethodPost, "/keys/"+keyID.String()+"/revoke", &RevokeRequest{Signature: sig}, nil)
}

func (c *HTTPClient) PreKeyCount(ctx context.Context, keyID uuid.UUID) (int, error) {
	var out PreKeyCountResponse
	if err := c.do(ctx, http.MethodGet, "/keys/"+keyID.String()+"/prekeys", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
