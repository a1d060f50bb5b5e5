// Package fetch downloads files over HTTP using range requests, the way the
// downloaders under test are expected to. Pointed at a staticdirserver it
// gives tests a reference client for whole-file, single-range and
// multipart-range fetches.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

// Fetcher is the set of requests a chunked download is built from.
type Fetcher interface {
	// FileInfo reports the size of the file and whether ranges are supported.
	FileInfo(ctx context.Context) (Info, error)

	// Get returns a reader for the entire file.
	Get(ctx context.Context) (io.ReadCloser, error)

	// GetRange returns a reader for data[start:end].
	GetRange(ctx context.Context, start, end int64) (io.ReadCloser, error)

	// GetRanges returns the requested ranges as multipart parts, in order.
	//
	// ranges is an n x 2 array where each pair [x, y] means data[x]
	// inclusive to data[y] exclusive.
	GetRanges(ctx context.Context, ranges [][]int64) (*Multipart, error)
}

// Info describes a remote file.
type Info struct {
	Size         int64
	AcceptRanges bool
	ContentType  string
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	URL        string
	StatusCode int
	Want       int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: got status %d, wanted %d", e.URL, e.StatusCode, e.Want)
}

// Temporary reports whether retrying the request might succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Multipart is a multipart/byteranges response body.
type Multipart struct {
	*multipart.Reader
	body io.Closer
}

func (m *Multipart) Close() error {
	return m.body.Close()
}

// HTTPFetcher fetches a single URL.
type HTTPFetcher struct {
	url      string
	client   *http.Client
	headers  map[string]string
	attempts uint
	wait     time.Duration
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithClient sets the HTTP client. Defaults to http.DefaultClient.
func WithClient(client *http.Client) Option {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithRetry sets how many times a request is attempted and how long to wait
// in between. Connection errors, 5xx and 429 responses are retried.
func WithRetry(attempts uint, wait time.Duration) Option {
	return func(f *HTTPFetcher) {
		if attempts < 1 {
			attempts = 1
		}
		f.attempts = attempts
		f.wait = wait
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(f *HTTPFetcher) {
		for k, v := range headers {
			f.headers[k] = v
		}
	}
}

// New returns a fetcher for url. By default it uses http.DefaultClient and
// tries each request 3 times, 100ms apart.
func New(url string, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		url:      url,
		client:   http.DefaultClient,
		headers:  map[string]string{},
		attempts: 3,
		wait:     100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the fetched URL.
func (f *HTTPFetcher) URL() string {
	return f.url
}

// Filename returns the last element of the URL path.
func (f *HTTPFetcher) Filename() string {
	p := f.url
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return path.Base(p)
}

func (f *HTTPFetcher) retryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(f.wait),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTemporary),
	}
}

func isTemporary(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	// Anything else is a transport error.
	return true
}

// do sends a request with the given method and Range header (if any) and
// returns the response if its status is want.
func (f *HTTPFetcher) do(ctx context.Context, method, rangeHeader string, want int) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, method, f.url, nil)
		if err != nil {
			return err
		}
		for k, v := range f.headers {
			req.Header.Set(k, v)
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		r, err := f.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode != want {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return &StatusError{URL: f.url, StatusCode: r.StatusCode, Want: want}
		}
		resp = r
		return nil
	}, f.retryOptions(ctx)...)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *HTTPFetcher) FileInfo(ctx context.Context) (Info, error) {
	resp, err := f.do(ctx, http.MethodHead, "", http.StatusOK)
	if err != nil {
		return Info{}, fmt.Errorf("failed HEAD request for file size: %w", err)
	}
	resp.Body.Close()
	return Info{
		Size:         resp.ContentLength,
		AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:  resp.Header.Get("Content-Type"),
	}, nil
}

func (f *HTTPFetcher) Get(ctx context.Context) (io.ReadCloser, error) {
	resp, err := f.do(ctx, http.MethodGet, "", http.StatusOK)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (f *HTTPFetcher) GetRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	if start >= end {
		return nil, fmt.Errorf("empty range [%d, %d)", start, end)
	}
	resp, err := f.do(ctx, http.MethodGet, RangeString([][]int64{{start, end}}), http.StatusPartialContent)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetRanges needs at least two ranges, a single range is answered with a
// plain 206 and no multipart boundaries.
func (f *HTTPFetcher) GetRanges(ctx context.Context, ranges [][]int64) (*Multipart, error) {
	if len(ranges) < 2 {
		return nil, fmt.Errorf("multipart request needs at least 2 ranges, got %d", len(ranges))
	}
	resp, err := f.do(ctx, http.MethodGet, RangeString(ranges), http.StatusPartialContent)
	if err != nil {
		return nil, err
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/byteranges" || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("response to multipart range request is not multipart/byteranges: %q", resp.Header.Get("Content-Type"))
	}
	return &Multipart{Reader: multipart.NewReader(resp.Body, params["boundary"]), body: resp.Body}, nil
}

// RangeString generates an inclusive-inclusive Range header value from
// start-inclusive, end-exclusive pairs.
//
// Returns garbage for an empty ranges array.
func RangeString(ranges [][]int64) string {
	var b strings.Builder
	b.WriteString("bytes=")
	for i, r := range ranges {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(r[0], 10))
		b.WriteByte('-')
		b.WriteString(strconv.FormatInt(r[1]-1, 10))
	}
	return b.String()
}
