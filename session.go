package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strings"
	"time"
)

// Session is one simulated shopper: its own cookie jar, its own headers and
// the metrics sink its requests and checks are counted into. Sessions share
// nothing with each other.
type Session struct {
	client    *http.Client
	baseURL   *url.URL
	userAgent string
	metrics   *Metrics
	groupName string
}

// Response is the part of an HTTP exchange the scripts inspect. A transport
// failure yields Status 0 and an empty Body alongside the error.
type Response struct {
	Status   int
	URL      string
	Body     string
	Duration time.Duration
}

func NewSession(cfg *Config, metrics *Metrics) (*Session, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Session{
		client: &http.Client{
			Timeout: cfg.RequestTimeout(),
			Jar:     jar,
		},
		baseURL:   base,
		userAgent: cfg.UserAgent,
		metrics:   metrics,
	}, nil
}

// Get loads a page. path may be relative to the base URL or absolute.
func (s *Session) Get(ctx context.Context, path string) (*Response, error) {
	return s.do(ctx, http.MethodGet, path, nil, false)
}

// PostForm submits a form-encoded body. ajax adds the requested-with marker
// the one-page checkout and cart endpoints expect.
func (s *Session) PostForm(ctx context.Context, path string, form url.Values, ajax bool) (*Response, error) {
	return s.do(ctx, http.MethodPost, path, form, ajax)
}

// Check records a named assertion and returns ok unchanged.
func (s *Session) Check(name string, ok bool) bool {
	s.metrics.AddCheck(name, ok)
	if !ok {
		logDebug("Check", "check failed", "check", name, "group", s.groupName)
	}
	return ok
}

// Group runs fn with requests tagged under name.
func (s *Session) Group(name string, fn func() error) error {
	prev := s.groupName
	s.groupName = name
	defer func() { s.groupName = prev }()

	start := time.Now()
	logDebug("Flow", "group started", "group", name)
	err := fn()
	logDebug("Flow", "group finished", "group", name, "elapsed", time.Since(start).Round(time.Millisecond))
	return err
}

// resolve places endpoint paths under the base URL, including any path
// prefix it carries. Absolute URLs and links already under the prefix pass
// through unchanged.
func (s *Session) resolve(target string) string {
	ref, err := url.Parse(target)
	if err != nil {
		return s.baseURL.String() + target
	}
	if ref.IsAbs() || ref.Host != "" {
		return ref.String()
	}

	prefix := strings.TrimRight(s.baseURL.Path, "/")
	joined := ref.Path
	if prefix == "" || (joined != prefix && !strings.HasPrefix(joined, prefix+"/")) {
		joined = path.Join("/", prefix, ref.Path)
		if strings.HasSuffix(ref.Path, "/") && joined != "/" {
			joined += "/"
		}
	}

	u := *s.baseURL
	u.Path = joined
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ref.Fragment
	return u.String()
}

func (s *Session) do(ctx context.Context, method, path string, form url.Values, ajax bool) (*Response, error) {
	target := s.resolve(path)
	resp := &Response{URL: target}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return resp, fmt.Errorf("failed to create request: %w", err)
	}

	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if ajax {
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}

	start := time.Now()
	httpResp, err := s.client.Do(req)
	if err != nil {
		resp.Duration = time.Since(start)
		s.record(ctx, method, resp)
		return resp, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	resp.Duration = time.Since(start)
	resp.Status = httpResp.StatusCode
	resp.URL = httpResp.Request.URL.String()
	if err != nil {
		s.record(ctx, method, resp)
		return resp, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = string(data)

	s.record(ctx, method, resp)
	logDebug("HTTP", "request done", "method", method, "url", resp.URL, "status", resp.Status, "elapsed", resp.Duration.Round(time.Millisecond))

	return resp, nil
}

// record skips exchanges cut short by the run ending.
func (s *Session) record(ctx context.Context, method string, resp *Response) {
	if ctx.Err() != nil {
		return
	}
	s.metrics.AddSample(RequestSample{
		Group:    s.groupName,
		Method:   method,
		URL:      resp.URL,
		Status:   resp.Status,
		Duration: resp.Duration,
		Failed:   resp.Status < 200 || resp.Status >= 400,
	})
}
