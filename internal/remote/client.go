package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/phrazzld/docbulk/internal/platform/logger"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// maxErrorBody bounds how much of an error response is kept in APIError.Body.
const maxErrorBody = 512

// ClientConfig configures the HTTP document service client.
type ClientConfig struct {
	APIURL   string
	AuthURL  string
	Username string
	Password string

	// Timeout bounds a single HTTP request, including the file transfer.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt of a request.
	MaxRetries uint64
	RetryBase  time.Duration

	// BreakerFailures consecutive failures open the circuit. Zero disables it.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// IdentifierKey is the metadata key FindByIdentifier searches on.
	IdentifierKey string

	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to a DocumentCloud-compatible API. It implements Service and Finder.
type Client struct {
	cfg     ClientConfig
	api     *url.URL
	http    *http.Client
	auth    *tokenSource
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var (
	_ Service = (*Client)(nil)
	_ Finder  = (*Client)(nil)
)

// NewClient validates cfg and creates a client. No request is made until first use.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "remote_client"))

	api, err := parseBaseURL(cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	authURL, err := parseBaseURL(cfg.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("invalid auth url: %w", err)
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("remote credentials are required")
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.IdentifierKey == "" {
		cfg.IdentifierKey = "document_number"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		cfg:  cfg,
		api:  api,
		http: httpClient,
		auth: &tokenSource{
			authURL:  authURL,
			username: cfg.Username,
			password: cfg.Password,
			http:     httpClient,
			now:      time.Now,
		},
		logger: logger,
	}

	if cfg.BreakerFailures > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "document-service",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || clientError(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute url", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

type createRequest struct {
	Title        string            `json:"title"`
	Access       string            `json:"access,omitempty"`
	Source       string            `json:"source,omitempty"`
	Projects     []int             `json:"projects,omitempty"`
	DelayedIndex bool              `json:"delayed_index,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

type createResponse struct {
	ID           json.Number `json:"id"`
	PresignedURL string      `json:"presigned_url"`
}

// SubmitBytes creates the remote document, then transfers the bytes to the
// presigned storage URL. If the transfer fails the created document is deleted
// on a best-effort basis so the retry starts from a clean slate.
func (c *Client) SubmitBytes(ctx context.Context, req SubmitRequest) (string, error) {
	log := logger.FromContextOrDefault(ctx, c.logger).With(slog.String("identifier", req.Identifier))

	body := createRequest{
		Title:        req.Title,
		Access:       req.Access,
		Source:       req.Source,
		DelayedIndex: req.DelayedIndex,
		Data:         req.Metadata,
	}
	if req.ProjectID > 0 {
		body.Projects = []int{req.ProjectID}
	}

	var created createResponse
	if err := c.call(ctx, http.MethodPost, "documents/", nil, body, &created); err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}
	remoteID := created.ID.String()
	if remoteID == "" || created.PresignedURL == "" {
		return "", errors.New("create document: response is missing id or presigned url")
	}

	if err := c.putContent(ctx, created.PresignedURL, req.Data); err != nil {
		// The caller may already be draining; the cleanup must still run.
		if delErr := c.Delete(context.WithoutCancel(ctx), remoteID); delErr != nil {
			log.Warn("failed to delete document after transfer failure",
				slog.String("remote_id", remoteID),
				slog.String("error", delErr.Error()))
		}
		return "", fmt.Errorf("transfer file: %w", err)
	}

	log.Debug("document submitted", slog.String("remote_id", remoteID), slog.Int("bytes", len(req.Data)))
	return remoteID, nil
}

// ConfirmProcessing asks the service to process an uploaded document.
func (c *Client) ConfirmProcessing(ctx context.Context, remoteID string) error {
	body := map[string][]string{"ids": {remoteID}}
	if err := c.call(ctx, http.MethodPost, "documents/process/", nil, body, nil); err != nil {
		return fmt.Errorf("process document %s: %w", remoteID, err)
	}
	return nil
}

type searchResponse struct {
	Next    string `json:"next"`
	Results []struct {
		ID     json.Number                `json:"id"`
		Title  string                     `json:"title"`
		Status string                     `json:"status"`
		Data   map[string]json.RawMessage `json:"data"`
	} `json:"results"`
}

// FindByIdentifier searches the service for documents whose metadata carries
// identifier under the configured key.
func (c *Client) FindByIdentifier(ctx context.Context, identifier string) ([]Document, error) {
	query := url.Values{}
	query.Set("q", "*:*")
	query.Set("data_"+c.cfg.IdentifierKey, identifier)

	docs, err := c.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", identifier, err)
	}
	return docs, nil
}

// FindFailed implements Finder.FindFailed.
func (c *Client) FindFailed(ctx context.Context, projectID int) ([]Document, error) {
	q := "+status:(" + StatusNoFile + " OR " + StatusError + ")"
	if projectID > 0 {
		q = "+project:" + strconv.Itoa(projectID) + " " + q
	}
	query := url.Values{}
	query.Set("q", q)

	docs, err := c.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search failed documents: %w", err)
	}
	return docs, nil
}

// search follows the result pages of one search query.
func (c *Client) search(ctx context.Context, query url.Values) ([]Document, error) {
	var docs []Document
	path := "documents/search/"
	for path != "" {
		var page searchResponse
		if err := c.call(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return nil, err
		}
		for _, r := range page.Results {
			docs = append(docs, Document{
				ID:         r.ID.String(),
				Title:      r.Title,
				Status:     r.Status,
				Identifier: firstValue(r.Data[c.cfg.IdentifierKey]),
			})
		}

		path, query = "", nil
		if page.Next != "" {
			next, err := url.Parse(page.Next)
			if err != nil {
				return nil, fmt.Errorf("invalid next link: %w", err)
			}
			path = next.String()
		}
	}
	return docs, nil
}

// firstValue reads a metadata value, which the service returns as a list of
// strings but accepts as a plain string.
func firstValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) > 0 {
			return list[0]
		}
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	return ""
}

// Delete removes a remote document. A 404 counts as success.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	err := c.call(ctx, http.MethodDelete, "documents/"+remoteID+"/", nil, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete document %s: %w", remoteID, err)
	}
	return nil
}

// call performs an authenticated JSON request against the API.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	// Pagination links are absolute; everything else is relative to the API root.
	var endpoint *url.URL
	if ref, err := url.Parse(path); err == nil && ref.IsAbs() {
		endpoint = ref
	} else {
		endpoint = c.api.ResolveReference(&url.URL{Path: path})
	}
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	return c.execute(ctx, func(ctx context.Context) error {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return retryable(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retryable(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusUnauthorized {
			c.auth.Invalidate()
			return retry.RetryableError(responseError(resp, endpoint.Path))
		}
		if resp.StatusCode/100 != 2 {
			return retryable(responseError(resp, endpoint.Path))
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// putContent uploads raw bytes to a presigned storage URL. The URL carries
// its own signature so no Authorization header is sent.
func (c *Client) putContent(ctx context.Context, presignedURL string, data []byte) error {
	target, err := url.Parse(presignedURL)
	if err != nil {
		return fmt.Errorf("invalid presigned url: %w", err)
	}

	return c.execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.ContentLength = int64(len(data))

		resp, err := c.http.Do(req)
		if err != nil {
			return retryable(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode/100 != 2 {
			// Only host and path; the query string holds the signature.
			return retryable(responseError(resp, target.Host+target.Path))
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}

// execute runs attempt with exponential backoff inside the circuit breaker.
// The whole retried request counts as one breaker outcome.
func (c *Client) execute(ctx context.Context, attempt func(ctx context.Context) error) error {
	run := func() error {
		backoff := retry.NewExponential(c.cfg.RetryBase)
		backoff = retry.WithJitterPercent(10, backoff)
		backoff = retry.WithMaxRetries(c.cfg.MaxRetries, backoff)
		return retry.Do(ctx, backoff, attempt)
	}

	if c.breaker == nil {
		return run()
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, run()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

// retryable marks transient failures for retry.Do.
func retryable(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Temporary() {
			return retry.RetryableError(err)
		}
		return err
	}

	// Context cancellation is final.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return retry.RetryableError(err)
	}
	return err
}

func responseError(resp *http.Response, path string) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		StatusCode: resp.StatusCode,
		Method:     resp.Request.Method,
		Path:       path,
		Body:       strings.TrimSpace(string(body)),
	}
}
