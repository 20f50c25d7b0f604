package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-offline/internal/cache"
	perrors "github.com/jmgilman/go/errors"
)

// DefaultMaxBodyBytes bounds request and response bodies held in memory.
const DefaultMaxBodyBytes = 32 << 20

// Request is the host-agnostic form of an intercepted request. URL is the
// path plus query; the origin is implied.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request with an empty header set.
func NewRequest(method, rawURL string) *Request {
	return &Request{Method: strings.ToUpper(method), URL: rawURL, Header: http.Header{}}
}

// FromHTTP buffers r into a Request. Bodies larger than maxBody are
// rejected rather than truncated.
func FromHTTP(r *http.Request, maxBody int64) (*Request, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "read request body")
		}
		if int64(len(b)) > maxBody {
			return nil, perrors.Newf(perrors.CodeInvalidInput, "request body exceeds %d bytes", maxBody)
		}
		body = b
	}
	return &Request{
		Method: strings.ToUpper(r.Method),
		URL:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

// Key is the canonical cache key of the request.
func (r *Request) Key() string {
	return cache.RequestKey(r.Method, r.URL)
}

// Path returns the URL path without the query.
func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (r *Request) IsNavigation() bool {
	return IsNavigation(r.Method, r.Header)
}

// Fetcher performs the network leg of a strategy. A returned error means
// the origin could not be reached or did not answer in time; any HTTP
// status, including 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// HTTPFetcher forwards requests to a single origin. The Authorization
// header supplied by the application is passed through unchanged.
type HTTPFetcher struct {
	base    string
	client  *http.Client
	maxBody int64
}

// NewHTTPFetcher returns a fetcher for origin. A nil client gets a default
// one that does not follow redirects, so the application sees them as-is.
func NewHTTPFetcher(origin string, client *http.Client) (*HTTPFetcher, error) {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, perrors.Newf(perrors.CodeInvalidInput, "invalid origin %q", origin)
	}
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPFetcher{
		base:    strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/"),
		client:  client,
		maxBody: DefaultMaxBodyBytes,
	}, nil
}

func (f *HTTPFetcher) target(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	uri := u.RequestURI()
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return f.base + uri, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	target, err := f.target(req.URL)
	if err != nil {
		return nil, perrors.Wrapf(err, perrors.CodeInvalidInput, "parse request url %q", req.URL)
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "build origin request")
	}
	for k, vv := range req.Header {
		for _, v := range vv {
			hreq.Header.Add(k, v)
		}
	}
	stripHopHeaders(hreq.Header)
	hreq.Header.Del("Host")

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, classifyFetchError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, classifyFetchError(ctx, err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, perrors.Newf(perrors.CodeNetwork, "origin response for %s exceeds %d bytes", req.URL, f.maxBody)
	}
	header := resp.Header.Clone()
	stripHopHeaders(header)
	header.Del("Content-Length")
	if req.Method == http.MethodHead && resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
	}, nil
}

func classifyFetchError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return perrors.Wrap(err, perrors.CodeTimeout, "origin fetch timed out")
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return perrors.Wrap(err, perrors.CodeTimeout, "origin fetch timed out")
	}
	return perrors.Wrap(err, perrors.CodeNetwork, "origin unreachable")
}

// Probe measures a HEAD round trip to path on the origin.
func (f *HTTPFetcher) Probe(ctx context.Context, path string) (time.Duration, error) {
	target, err := f.target(path)
	if err != nil {
		return 0, perrors.Wrap(err, perrors.CodeInvalidInput, "parse probe path")
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	start := time.Now()
	resp, err := f.client.Do(hreq)
	if err != nil {
		return 0, classifyFetchError(ctx, err)
	}
	_ = resp.Body.Close()
	return time.Since(start), nil
}
