package http

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// hop-by-hop headers are stripped in both directions.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// UpstreamConfig contains configuration for the upstream proxy.
type UpstreamConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// UpstreamProxy forwards guarded requests to the protected service. It is
// the innermost handler of the chain; by the time a request reaches it,
// rate limiting and idempotency have already decided it should execute.
type UpstreamProxy struct {
	client  *http.Client
	baseURL *url.URL
	logger  zerolog.Logger
}

// NewUpstreamProxy creates the upstream forwarding handler.
func NewUpstreamProxy(cfg UpstreamConfig, logger zerolog.Logger) (*UpstreamProxy, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
	}

	return &UpstreamProxy{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		baseURL: baseURL,
		logger:  logger,
	}, nil
}

// ServeHTTP forwards the request and relays the upstream response.
func (p *UpstreamProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := p.baseURL.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	})

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		p.logger.Error().Err(err).Msg("build upstream request")
		writeEnvelope(w, http.StatusBadGateway, "Upstream request could not be built.", "", nil)
		return
	}

	for name, values := range r.Header {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		req.Header[name] = values
	}
	req.Host = r.Host
	forwarded := remoteHost(r.RemoteAddr)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		forwarded = prior + ", " + forwarded
	}
	req.Header.Set("X-Forwarded-For", forwarded)
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error().Err(err).Str("upstream", p.baseURL.Host).Msg("upstream request failed")
		writeEnvelope(w, http.StatusBadGateway, "Upstream service is unavailable.", "", nil)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !isClientGone(err) {
		p.logger.Warn().Err(err).Msg("relay upstream response")
	}
}

func isClientGone(err error) bool {
	return err != nil && strings.Contains(err.Error(), "client disconnected")
}
