// Package backend talks to the business API that owns the accounts and
// consumes gateway events.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-gateway/session"
	"whatsapp-gateway/types"
)

const (
	webhookPath = "WhatsAppConta/webhook"
	listPath    = "WhatsAppConta/Lista"
	updatePath  = "WhatsAppConta/AtualizarConta"
)

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

type Config struct {
	URL                string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

type Client struct {
	base *url.URL
	http *http.Client
	log  zerolog.Logger
}

var _ session.AccountService = (*Client)(nil)

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("backend url is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		log:  log.With().Str("component", "backend").Logger(),
	}, nil
}

// PostEvent delivers one event to the webhook endpoint.
func (c *Client) PostEvent(ctx context.Context, ev types.NormalizedEvent) error {
	return c.do(ctx, http.MethodPost, webhookPath, ev, nil)
}

// ListAccounts returns the ids of the accounts that should be connected.
func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	var raw []types.ID
	if err := c.do(ctx, http.MethodGet, listPath, nil, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, string(id))
	}
	return ids, nil
}

type accountUpdate struct {
	ID    string `json:"id"`
	Phone string `json:"telefone"`
	Photo string `json:"foto"`
}

// UpdateAccount reports the phone number and avatar of a connected account.
func (c *Client) UpdateAccount(ctx context.Context, p session.Profile) error {
	return c.do(ctx, http.MethodPost, updatePath, accountUpdate{
		ID:    p.AccountID,
		Phone: p.Phone,
		Photo: p.PictureURL,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
