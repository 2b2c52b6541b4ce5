package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/clinicq/queuetrack/internal/errors"
	"github.com/clinicq/queuetrack/internal/models"
	pkgErrors "github.com/clinicq/queuetrack/pkg/errors"
	"github.com/clinicq/queuetrack/pkg/logger"
)

// QueueAPI wraps every request/response operation of a queue entry's
// lifecycle. All operations fail with *pkgErrors.TransportError on non-2xx
// or malformed-envelope responses.
type QueueAPI interface {
	Join(ctx context.Context, req models.JoinRequest) (*models.QueueEntry, error)
	Leave(ctx context.Context, id, reason string) error
	UpdateLocation(ctx context.Context, id string, loc models.Coordinates) (*models.QueueEntry, error)
	UpdateStatus(ctx context.Context, id string, status models.QueueStatus) (*models.QueueEntry, error)
	GetActive(ctx context.Context) (*models.QueueEntry, error)
	GetDetail(ctx context.Context, id string) (*models.QueueEntry, error)
}

type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type httpClient struct {
	base  string
	token string
	cli   *http.Client
	l     logger.Logger
}

func NewHTTPClient(cfg HTTPConfig, l logger.Logger) (QueueAPI, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", apperrors.ErrInvalidInput, cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &httpClient{
		base:  strings.TrimRight(base.String(), "/"),
		token: cfg.Token,
		cli:   &http.Client{Timeout: timeout},
		l:     l,
	}, nil
}

// envelope is the backend's JSON response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *envelopeError  `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Backend error codes with a dedicated client-side mapping.
const (
	codeAlreadyInQueue = "ALREADY_IN_QUEUE"
	codeNotFound       = "NOT_FOUND"
)

func (c *httpClient) Join(ctx context.Context, req models.JoinRequest) (*models.QueueEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var entry models.QueueEntry
	if err := c.call(ctx, http.MethodPost, "/api/queue", req, &entry); err != nil {
		var te *pkgErrors.TransportError
		if errors.As(err, &te) && te.Code == codeAlreadyInQueue {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrAlreadyInQueue, te.Message)
		}
		return nil, err
	}

	c.l.Info(ctx, "joined queue",
		"queue_id", entry.ID,
		"position", entry.Position,
	)
	return &entry, nil
}

func (c *httpClient) Leave(ctx context.Context, id, reason string) error {
	path := "/api/queue/" + url.PathEscape(id)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}

func (c *httpClient) UpdateLocation(ctx context.Context, id string, loc models.Coordinates) (*models.QueueEntry, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	body := struct {
		Location models.Coordinates `json:"location"`
	}{Location: loc}

	var entry models.QueueEntry
	if err := c.call(ctx, http.MethodPatch, "/api/queue/"+url.PathEscape(id)+"/location", body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *httpClient) UpdateStatus(ctx context.Context, id string, status models.QueueStatus) (*models.QueueEntry, error) {
	if !status.ClientInitiated() {
		return nil, fmt.Errorf("%w: status %q is server-only", apperrors.ErrInvalidInput, status)
	}

	body := struct {
		Status models.QueueStatus `json:"status"`
	}{Status: status}

	var entry models.QueueEntry
	if err := c.call(ctx, http.MethodPatch, "/api/queue/"+url.PathEscape(id)+"/status", body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *httpClient) GetActive(ctx context.Context) (*models.QueueEntry, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/queue/active", nil)
	if err != nil {
		var te *pkgErrors.TransportError
		if errors.As(err, &te) && te.Code == codeNotFound {
			return nil, nil
		}
		return nil, err
	}

	// A success envelope with null data means no active entry.
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var entry models.QueueEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, pkgErrors.NewTransportError(pkgErrors.CodeBadEnvelope, err.Error())
	}
	return &entry, nil
}

func (c *httpClient) GetDetail(ctx context.Context, id string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := c.call(ctx, http.MethodGet, "/api/queue/"+url.PathEscape(id), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// call performs a request whose success path must carry a data payload.
func (c *httpClient) call(ctx context.Context, method, path string, body, out any) error {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if len(data) == 0 || string(data) == "null" {
		return pkgErrors.NewTransportError(pkgErrors.CodeBadEnvelope, "missing data in success envelope")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return pkgErrors.NewTransportError(pkgErrors.CodeBadEnvelope, err.Error())
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		return nil, pkgErrors.NewTransportError(pkgErrors.CodeNetwork, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkgErrors.NewTransportError(pkgErrors.CodeNetwork, err.Error())
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, pkgErrors.NewTransportError(pkgErrors.CodeBadEnvelope,
			fmt.Sprintf("invalid response envelope (status %d)", resp.StatusCode))
	}

	if !env.Success || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if env.Error != nil {
			return nil, pkgErrors.NewTransportError(env.Error.Code, env.Error.Message)
		}
		return nil, pkgErrors.NewTransportError(fmt.Sprintf("HTTP_%d", resp.StatusCode),
			http.StatusText(resp.StatusCode))
	}

	return env.Data, nil
}
