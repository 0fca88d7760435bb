package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zombor/invoice-automator/internal/invoice"
)

// HTTPConfig configures the JSON-over-HTTP mailbox adapter
type HTTPConfig struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// HTTPClient talks to a SmarterMail-style JSON API with bearer tokens
type HTTPClient struct {
	baseURL    string
	username   string
	password   string
	retryDelay time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTPClient instance
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost/api/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		retryDelay: cfg.RetryDelay,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
}

type searchRequest struct {
	Folder  string `json:"folder"`
	IsRead  bool   `json:"isRead"`
	Subject string `json:"subject"`
}

type searchResponse struct {
	Messages   []MessageRef `json:"messages"`
	MessageIDs []string     `json:"messageIds"`
}

type getMessageRequest struct {
	ID string `json:"id"`
}

// Authenticate logs in and returns the session token
func (c *HTTPClient) Authenticate(ctx context.Context) (Session, error) {
	var resp loginResponse
	err := c.post(ctx, "/auth/login", "", loginRequest{Username: c.username, Password: c.password}, &resp)
	if err != nil {
		if errors.Is(err, invoice.ErrAuth) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("%w: logging in as %s: %v", invoice.ErrAuth, c.username, err)
	}
	if resp.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: login response carried no access token", invoice.ErrAuth)
	}

	c.logger.Debug("mailbox.login", "user", c.username)
	return Session{Token: resp.AccessToken}, nil
}

// SearchUnseenInvoices lists messages matching criteria, preserving server order
func (c *HTTPClient) SearchUnseenInvoices(ctx context.Context, session Session, criteria Criteria) ([]MessageRef, error) {
	folder := criteria.Folder
	if folder == "" {
		folder = DefaultFolder
	}
	req := searchRequest{Folder: folder, IsRead: !criteria.Unread, Subject: criteria.Subject}

	var resp searchResponse
	err := c.retry(ctx, "search", func() error {
		resp = searchResponse{}
		return c.post(ctx, "/SearchMessages", session.Token, req, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	refs := resp.Messages
	if refs == nil {
		refs = make([]MessageRef, 0, len(resp.MessageIDs))
		for _, id := range resp.MessageIDs {
			refs = append(refs, MessageRef{ID: id})
		}
	}
	return refs, nil
}

// FetchAttachments fetches one message and decodes its base64 attachments
func (c *HTTPClient) FetchAttachments(ctx context.Context, session Session, ref MessageRef) (*Message, error) {
	var raw rawMessage
	err := c.retry(ctx, "get-message", func() error {
		raw = rawMessage{}
		return c.post(ctx, "/GetMessage", session.Token, getMessageRequest{ID: ref.ID}, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", ref.ID, err)
	}

	msg := decodeMessage(ref, raw)
	for _, r := range msg.Rejected {
		c.logger.Warn("mailbox.attachment.rejected", "message_id", ref.ID, "filename", r.Filename, "error", r.Err)
	}
	return msg, nil
}

// retry runs op again once if it failed with a transient network error
func (c *HTTPClient) retry(ctx context.Context, call string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !errors.Is(err, invoice.ErrTransientNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, d time.Duration) {
		c.logger.Warn("mailbox.http.retry", "call", call, "delay", d, "error", err)
	})
}

// post sends a JSON request and decodes the JSON response into out
func (c *HTTPClient) post(ctx context.Context, path, token string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: calling %s: %v", invoice.ErrTransientNetwork, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned status %d", invoice.ErrAuth, path, resp.StatusCode)
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s returned status %d: %s", invoice.ErrTransientNetwork, path, resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mailbox API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
