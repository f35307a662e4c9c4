package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"autoall/internal/logbus"
	"autoall/internal/session"
)

type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	QPS       float64
	Burst     int

	Session  *session.Session
	Feedback Feedback
	Bus      *logbus.Bus

	// Transport overrides the HTTP round tripper, mostly for tests.
	Transport http.RoundTripper
}

// Request carries the optional parts of a call.
type Request struct {
	Params url.Values
	Body   any
	// Quiet suppresses user-facing notifications. Session expiry is still
	// handled in full.
	Quiet bool
}

// Client is the single chokepoint for backend calls. It attaches the
// session credential, unwraps envelopes and classifies failures.
type Client struct {
	http     *resty.Client
	session  *session.Session
	feedback Feedback
	bus      *logbus.Bus
	limiter  *rate.Limiter
	reads    singleflight.Group
}

func New(opts Options) *Client {
	if opts.Session == nil {
		opts.Session = session.New(nil)
	}
	if opts.Feedback == nil {
		opts.Feedback = noFeedback{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.QPS <= 0 {
		opts.QPS = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}

	c := &Client{
		session:  opts.Session,
		feedback: opts.Feedback,
		bus:      opts.Bus,
		limiter:  rate.NewLimiter(rate.Limit(opts.QPS), opts.Burst),
	}

	hc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.UserAgent != "" {
		hc.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.Transport != nil {
		hc.SetTransport(opts.Transport)
	}
	hc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		c.bus.Debug("http request", map[string]any{
			"method": req.Method,
			"url":    req.URL,
		})
		return nil
	})
	c.http = hc
	return c
}

func (c *Client) Session() *session.Session { return c.session }

func (c *Client) Get(ctx context.Context, path string, params url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, Request{Params: params}, out)
}

func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.Do(ctx, http.MethodPost, path, Request{Body: body}, out)
}

// Do sends one request and decodes the unwrapped payload into out, which may
// be nil. Identical GETs in flight at the same time share one round trip.
func (c *Client) Do(ctx context.Context, method, path string, req Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var (
		payload json.RawMessage
		err     error
	)
	if method == http.MethodGet {
		payload, err = c.sharedRead(ctx, path, req)
	} else {
		payload, err = c.send(ctx, method, path, req)
	}
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// sharedRead runs the GET once for every caller waiting on the same
// request. The shared call is quiet: toasts belong to the callers, and only
// those still waiting when it fails get one.
func (c *Client) sharedRead(ctx context.Context, path string, req Request) (json.RawMessage, error) {
	cred := c.session.Get()
	key := strconv.FormatUint(cred.Gen, 10) + " " + path + "?" + req.Params.Encode()
	shared := context.WithoutCancel(ctx)
	quiet := req
	quiet.Quiet = true
	ch := c.reads.DoChan(key, func() (any, error) {
		return c.send(shared, http.MethodGet, path, quiet)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if !req.Quiet && ctx.Err() == nil {
				c.notify(res.Err)
			}
			return nil, res.Err
		}
		payload, _ := res.Val.(json.RawMessage)
		return payload, nil
	}
}

// notify shows the toast a loud caller is owed for a shared failure. Session
// expiry is announced by the shared call itself.
func (c *Client) notify(err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind == KindAuthExpired {
		return
	}
	c.feedback.Toast(apiErr.Kind, apiErr.Message)
}

func (c *Client) send(ctx context.Context, method, path string, req Request) (json.RawMessage, error) {
	cred := c.session.Get()

	r := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
	if cred.Present() {
		r.SetAuthToken(cred.Token)
	}
	if len(req.Params) > 0 {
		r.SetQueryParamsFromValues(req.Params)
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.fail(ctx, cred, req.Quiet, &APIError{
			Kind:    KindConnectivity,
			Method:  method,
			Path:    path,
			Message: msgConnectivity,
			Err:     err,
		})
	}
	if resp.IsSuccess() {
		return Unwrap(resp.Body()), nil
	}
	apiErr := classify(resp.StatusCode(), resp.Body())
	apiErr.Method, apiErr.Path = method, path
	return nil, c.fail(ctx, cred, req.Quiet, apiErr)
}

// fail runs the side effects of a classified failure exactly once per call.
func (c *Client) fail(ctx context.Context, cred session.Credential, quiet bool, e *APIError) error {
	fields := map[string]any{
		"method": e.Method,
		"path":   e.Path,
		"kind":   string(e.Kind),
	}
	if e.Status != 0 {
		fields["status"] = e.Status
	}
	c.bus.Warn("request failed", fields)

	if e.Kind == KindAuthExpired {
		expired, err := c.session.Expire(ctx, cred.Gen)
		if err != nil {
			c.bus.Error("clear credential failed", map[string]any{"error": err.Error()})
		}
		if expired {
			c.feedback.RedirectToLogin(e.Message)
			c.feedback.Toast(e.Kind, e.Message)
		}
		return e
	}
	if !quiet {
		c.feedback.Toast(e.Kind, e.Message)
	}
	return e
}
