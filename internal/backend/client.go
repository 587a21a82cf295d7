package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sendqueue/internal/constants"
	apperrors "sendqueue/internal/errors"
	"sendqueue/internal/logfields"
	"sendqueue/internal/metrics"
	"sendqueue/internal/models"
	"sendqueue/internal/privacy"
	"sendqueue/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const maxLoggedBodyBytes = 200

// PostMessageResponse is the backend's reply to a postmessage request.
type PostMessageResponse struct {
	MessageID json.RawMessage `json:"messageid"`
}

// ID returns the backend message id whether it was sent as a string or a
// number.
func (r PostMessageResponse) ID() string {
	var s string
	if err := json.Unmarshal(r.MessageID, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.MessageID))
}

// Client talks to the chat backend's single request endpoint. Every call
// carries a request name, its parameters and optionally the session token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
	now        func() time.Time
}

func NewClient(baseURL string, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(constants.DefaultBackendTimeoutSec) * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Call issues request with params and decodes the JSON reply into out.
// GET puts everything in the query string, POST sends a form body.
// Empty-valued parameters are still sent; only the token is optional.
func (c *Client) Call(ctx context.Context, method, request string, params url.Values, token string, out interface{}) error {
	ctx, span := tracing.StartSpan(ctx, "backend."+request,
		attribute.String("backend.request", request),
		attribute.String("http.method", method),
	)
	defer span.End()

	if err := c.call(ctx, method, request, params, token, out); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	tracing.SetSpanOK(ctx)
	return nil
}

func (c *Client) call(ctx context.Context, method, request string, params url.Values, token string, out interface{}) error {
	form := url.Values{}
	form.Set("request", request)
	for k, vs := range params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	if token != "" {
		form.Set("token", token)
	}

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet:
		target := c.baseURL + "?" + form.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		return apperrors.New(apperrors.ErrCodeInvalidInput, fmt.Sprintf("unsupported method %s", method))
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create backend request")
	}
	req.Header.Set("Cache-Control", "no-store")

	logger := c.logger.WithFields(logrus.Fields{
		logfields.Method:  method,
		logfields.Request: request,
		logfields.URL:     privacy.MaskURL(c.baseURL),
	})

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncrementCounter("backend_requests_total", map[string]string{"request": request, "result": "network_error"}, "Backend API requests")
		logger.WithError(err).Warn("Backend request failed")
		return apperrors.NewNetworkError(request, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxRequestBodyBytes))
	metrics.RecordTimer("backend_request_duration", time.Since(start), map[string]string{"request": request}, "Backend API request duration")
	if err != nil {
		metrics.IncrementCounter("backend_requests_total", map[string]string{"request": request, "result": "network_error"}, "Backend API requests")
		return apperrors.NewNetworkError(request, err)
	}

	logger = logger.WithField(logfields.StatusCode, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.IncrementCounter("backend_requests_total", map[string]string{"request": request, "result": "http_error"}, "Backend API requests")
		logger.Warn("Backend returned non-success status")
		return apperrors.NewBackendError(request, resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			metrics.IncrementCounter("backend_requests_total", map[string]string{"request": request, "result": "invalid_json"}, "Backend API requests")
			return apperrors.Wrap(err, apperrors.ErrCodeBackendAPI,
				fmt.Sprintf("API %s returned invalid JSON: %s", request, truncate(string(body), 100))).
				WithContext("request", request)
		}
	}

	metrics.IncrementCounter("backend_requests_total", map[string]string{"request": request, "result": "success"}, "Backend API requests")
	logger.Debug("Backend request succeeded")
	return nil
}

// PostMessage delivers one chat message. Absent photo and position are sent
// as empty strings, and _t carries the send time in milliseconds.
func (c *Client) PostMessage(ctx context.Context, token string, draft models.Draft) (*PostMessageResponse, error) {
	params := url.Values{}
	params.Set("chatid", draft.ChatTarget)
	params.Set("text", draft.Text)
	params.Set("photo", draft.Photo)
	params.Set("position", draft.Position)
	params.Set("_t", strconv.FormatInt(c.now().UnixMilli(), 10))

	var resp PostMessageResponse
	if err := c.Call(ctx, http.MethodPost, constants.BackendRequestPostMessage, params, token, &resp); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		logfields.ChatID:  privacy.MaskChatID(draft.ChatTarget),
		logfields.Content: privacy.ContentSummary(draft.Text, draft.Photo, draft.Position),
	}).Debug("Message posted")
	return &resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
