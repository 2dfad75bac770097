package httpclient

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures the HTTP client shared by the index lister and the transfer engine.
type Options struct {
	// ResponseHeaderTimeout bounds the wait for response headers. Bodies are not
	// bounded: wheels can be large and are streamed.
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
	UserAgent             string
}

// New builds a client whose transport is traced with OpenTelemetry.
func New(opts Options) *http.Client {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 16
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
	base.IdleConnTimeout = opts.IdleConnTimeout
	base.MaxIdleConnsPerHost = opts.MaxIdleConnsPerHost
	// Raw bytes only: Content-Length and byte ranges must refer to the file itself.
	base.DisableCompression = true

	var rt http.RoundTripper = base
	if opts.UserAgent != "" {
		rt = &userAgentTransport{next: rt, userAgent: opts.UserAgent}
	}

	return &http.Client{Transport: otelhttp.NewTransport(rt)}
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)

	return t.next.RoundTrip(req)
}
