package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/keyproxy/internal/config"
)

// Headers never copied from the inbound request.
var droppedRequestHeaders = []string{"Host", "Connection"}

// Headers never copied from the upstream response.
var droppedResponseHeaders = []string{"Transfer-Encoding", "Connection", "Keep-Alive"}

// Response is an upstream response. The caller must close Body.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body read errors caused by the forward's deadline or cancellation
	// match context.DeadlineExceeded or context.Canceled.
	Body io.ReadCloser
	// Elapsed is the time until the response headers arrived. It feeds the
	// X-Proxy-Response-Time header; request metrics time the full body.
	Elapsed time.Duration
}

// Forwarder sends inbound requests to their target.
type Forwarder struct {
	client     *http.Client
	serverName string
}

// NewForwarder creates a forwarder following at most maxRedirects
// redirects. serverName is the User-Agent used when the client sent none.
func NewForwarder(maxRedirects int, serverName string) *Forwarder {
	return &Forwarder{
		serverName: serverName,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				// Upstream certificates are deliberately not verified so that
				// targets behind self-signed certificates keep working. This
				// is a known risk and must not be switched on silently.
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // G402: upstream TLS verification disabled by design
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Forward sends r to target within target.Timeout. A forward that gets no
// response returns an *UpstreamError matching ErrUpstreamConnection.
// Cancelling ctx cancels the outbound call.
func (f *Forwarder) Forward(ctx context.Context, target config.Target, r *http.Request) (*Response, error) {
	outURL, err := upstreamURL(target.URL, r.URL)
	if err != nil {
		return nil, &UpstreamError{TargetID: target.ID, Err: err}
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTargetTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	out, err := http.NewRequestWithContext(ctx, r.Method, outURL, r.Body)
	if err != nil {
		cancel()
		return nil, &UpstreamError{TargetID: target.ID, Err: err}
	}
	out.ContentLength = r.ContentLength
	out.Header = outboundHeader(r, f.serverName)

	start := time.Now()
	resp, err := f.client.Do(out)
	elapsed := time.Since(start)
	if err != nil {
		cancel()
		return nil, &UpstreamError{TargetID: target.ID, Elapsed: elapsed, Err: err}
	}

	header := resp.Header.Clone()
	for _, h := range droppedResponseHeaders {
		header.Del(h)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, ctx: ctx, cancel: cancel},
		Elapsed:    elapsed,
	}, nil
}

// upstreamURL joins the target base URL with the inbound path and merges
// both query strings, base first.
func upstreamURL(base string, in *url.URL) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	u := *b
	u.Path = strings.TrimRight(b.Path, "/") + in.Path
	if in.RawPath != "" {
		u.RawPath = strings.TrimRight(b.EscapedPath(), "/") + in.RawPath
	} else {
		u.RawPath = ""
	}
	switch {
	case b.RawQuery == "":
		u.RawQuery = in.RawQuery
	case in.RawQuery != "":
		u.RawQuery = b.RawQuery + "&" + in.RawQuery
	}
	u.Fragment = ""
	return u.String(), nil
}

// outboundHeader copies the inbound headers and adds the forwarding headers.
func outboundHeader(r *http.Request, serverName string) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, name := range droppedRequestHeaders {
		h.Del(name)
	}

	ip := remoteIP(r.RemoteAddr)
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+ip)
	} else {
		h.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", r.Host)
	h.Set("X-Forwarded-Port", localPort(r, proto))
	h.Set("X-Request-ID", "req_"+uuid.NewString())
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", serverName)
	}
	return h
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// localPort returns the port the request arrived on.
func localPort(r *http.Request, proto string) string {
	if a, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if _, port, err := net.SplitHostPort(a.String()); err == nil {
			return port
		}
	}
	if _, port, err := net.SplitHostPort(r.Host); err == nil {
		return port
	}
	if proto == "https" {
		return "443"
	}
	return "80"
}

// cancelOnClose releases the forward's timeout context with the body and
// tags read errors with the context's error once it is done.
type cancelOnClose struct {
	io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		if cerr := c.ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
	}
	return n, err
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
