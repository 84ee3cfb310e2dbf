// Package httpput uploads chunks with one HTTP request per chunk, typically to presigned
// multipart URLs.
package httpput

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"
)

// UploadURL is the target of a single chunk upload.
type UploadURL struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// Result is the response of a successfully uploaded chunk.
type Result struct {
	ETag   string `json:"etag"`
	Digest string `json:"digest,omitempty"`
}

// Config holds configuration for a Transport.
type Config struct {
	// URL returns the upload target of the chunk at index.
	URL func(index int) (UploadURL, error)

	// Client is the retrying HTTP client used for uploads.
	// Default: NewClient(Logger, Concurrency)
	Client *retryablehttp.Client

	// Concurrency is the number of chunk uploads expected in flight. It sizes the
	// connection pool of the default client.
	// Default: upload.DefaultConcurrency()
	Concurrency int

	// DigestHeader, if set, carries the chunk digest on every request.
	DigestHeader string

	// Compress sends zstd compressed chunk bodies with Content-Encoding: zstd.
	Compress bool

	// RequireETag rejects responses without an ETag header.
	RequireETag bool

	// Limiter throttles chunk requests. If nil, requests are not throttled.
	Limiter *rate.Limiter

	// Logger defaults to log.NewLogger().
	Logger log.Logger
}

// Transport uploads chunks over HTTP.
type Transport struct {
	config  Config
	client  *retryablehttp.Client
	logger  log.Logger
	encoder *zstd.Encoder
}

// FromURLs returns a Config.URL that serves a fixed list of upload targets.
func FromURLs(urls []UploadURL) func(index int) (UploadURL, error) {
	return func(index int) (UploadURL, error) {
		if index < 0 || index >= len(urls) {
			return UploadURL{}, fmt.Errorf("no upload URL for chunk %d (%d URLs provided)", index+1, len(urls))
		}
		return urls[index], nil
	}
}

// New creates a Transport.
func New(config Config) (*Transport, error) {
	if config.URL == nil {
		return nil, fmt.Errorf("upload URL source must not be nil")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	client := config.Client
	if client == nil {
		client = NewClient(logger, config.Concurrency)
	}

	t := &Transport{
		config: config,
		client: client,
		logger: logger,
	}

	if config.Compress {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		t.encoder = encoder
	}

	return t, nil
}

// NewClient creates a retrying HTTP client whose connection pool keeps one connection per
// chunk upload in flight. A concurrency below 1 uses upload.DefaultConcurrency().
func NewClient(logger log.Logger, concurrency int) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.HTTPClient = newHTTPClient(concurrency)
	return client
}

func newHTTPClient(concurrency int) *http.Client {
	if concurrency < 1 {
		concurrency = upload.DefaultConcurrency()
	}
	return &http.Client{
		// Chunk requests are bounded by the round's context
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        concurrency * 2,
			MaxIdleConnsPerHost: concurrency,
			MaxConnsPerHost:     concurrency,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			// Chunk bodies are already compressed or opaque
			DisableCompression: true,
		},
	}
}

// Request uploads a single chunk and returns a Result.
func (t *Transport) Request(ctx context.Context, c *upload.Chunk, info payload.Info) (interface{}, error) {
	target, err := t.config.URL(c.Index())
	if err != nil {
		return nil, err
	}

	if t.config.Limiter != nil {
		if err := t.config.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	data, err := c.Data(ctx)
	if err != nil {
		return nil, err
	}

	var digest string
	if t.config.DigestHeader != "" {
		digest, err = c.Digest(ctx)
		if err != nil {
			return nil, err
		}
	}

	body := data
	if t.encoder != nil {
		body = t.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	}

	method := target.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if info.ContentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", info.ContentType)
	}
	if digest != "" {
		req.Header.Set(t.config.DigestHeader, digest)
	}
	if t.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}

	// retryablehttp doesn't set Content-Length for byte slice bodies
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))

	t.logger.Debugf("Uploading chunk %d with %s %s", c.Index()+1, method, target.URL)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("chunk upload cancelled: %w", context.Cause(ctx))
		}
		if isOffline(err) {
			return nil, fmt.Errorf("%w: %s", upload.ErrOffline, err)
		}
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unwrapError(resp)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" && t.config.RequireETag {
		return nil, fmt.Errorf("no ETag in response")
	}

	return Result{ETag: etag, Digest: digest}, nil
}

// ETags collects the chunk ETags in index order from uploader responses, including
// responses restored from a snapshot.
func ETags(responses []interface{}) ([]string, error) {
	etags := make([]string, len(responses))
	for i, response := range responses {
		result, err := AsResult(response)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i+1, err)
		}
		etags[i] = result.ETag
	}
	return etags, nil
}

// AsResult converts a chunk response to a Result.
func AsResult(response interface{}) (Result, error) {
	switch r := response.(type) {
	case Result:
		return r, nil
	case *Result:
		return *r, nil
	case json.RawMessage:
		var result Result
		if err := json.Unmarshal(r, &result); err != nil {
			return Result{}, fmt.Errorf("decode response: %w", err)
		}
		return result, nil
	case nil:
		return Result{}, fmt.Errorf("chunk has no response")
	default:
		return Result{}, fmt.Errorf("unexpected response type: %T", response)
	}
}

func isOffline(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
