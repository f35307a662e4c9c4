package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoall/internal/session"
)

type recordedToast struct {
	kind    ErrorKind
	message string
}

type recordingFeedback struct {
	mu        sync.Mutex
	toasts    []recordedToast
	redirects int
}

func (f *recordingFeedback) Toast(kind ErrorKind, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toasts = append(f.toasts, recordedToast{kind: kind, message: message})
}

func (f *recordingFeedback) RedirectToLogin(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects++
}

func (f *recordingFeedback) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toasts), f.redirects
}

func (f *recordingFeedback) last() recordedToast {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toasts) == 0 {
		return recordedToast{}
	}
	return f.toasts[len(f.toasts)-1]
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *recordingFeedback, *session.MemoryStorage) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	storage := &session.MemoryStorage{}
	fb := &recordingFeedback{}
	c := New(Options{
		BaseURL:  srv.URL + "/api/v1",
		Timeout:  5 * time.Second,
		QPS:      1000,
		Burst:    100,
		Session:  session.New(storage),
		Feedback: fb,
	})
	return c, fb, storage
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"envelope", `{"code": 0, "message": "ok", "data": {"id": 42}}`, `{"id": 42}`},
		{"envelope null data", `{"code": 200, "data": null}`, `null`},
		{"envelope array data", `{"code": "OK", "data": [1, 2]}`, `[1, 2]`},
		{"code without data", `{"code": 1, "message": "x"}`, `{"code": 1, "message": "x"}`},
		{"data without code", `{"data": {"id": 1}, "count": 1}`, `{"data": {"id": 1}, "count": 1}`},
		{"bare object", `{"id": 1}`, `{"id": 1}`},
		{"bare array", `[{"code": 1, "data": 2}]`, `[{"code": 1, "data": 2}]`},
		{"scalar", `"hello"`, `"hello"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(Unwrap([]byte(tt.in))))
		})
	}
	assert.Equal(t, "not json", string(Unwrap([]byte("not json"))))
}

func TestBearerHeaderAndBody(t *testing.T) {
	var gotAuth, gotBody, gotQuery string
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		assert.Equal(t, "/api/v1/google/tasks/", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		writeJSON(w, http.StatusCreated, `{"code": 0, "message": "created", "data": {"id": 42}}`)
	}))
	ctx := context.Background()

	var out struct {
		ID int `json:"id"`
	}
	require.NoError(t, c.Do(ctx, http.MethodPost, "/google/tasks/", Request{
		Params: url.Values{"dry": {"1"}},
		Body:   map[string]any{"account_ids": []int{1, 2}},
	}, &out))
	assert.Equal(t, 42, out.ID)
	assert.Empty(t, gotAuth)
	assert.Equal(t, "dry=1", gotQuery)
	assert.JSONEq(t, `{"account_ids": [1, 2]}`, gotBody)

	require.NoError(t, c.Session().Set(ctx, "tok"))
	require.NoError(t, c.Post(ctx, "/google/tasks/", map[string]any{}, nil))
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    ErrorKind
		message string
	}{
		{"forbidden", 403, `{"detail": "nope"}`, KindForbidden, msgForbidden},
		{"not found", 404, ``, KindNotFound, msgNotFound},
		{"server error", 502, `<html>bad gateway</html>`, KindServerError, msgServerError},
		{"validation with message", 400, `{"code": 400, "message": "account_ids is empty", "data": null}`, KindValidation, "account_ids is empty"},
		{"validation with detail", 409, `{"detail": "task is not running"}`, KindValidation, "task is not running"},
		{"validation with field errors", 400, `{"account_ids": ["This field is required."]}`, KindValidation, "account_ids: This field is required."},
		{"validation without message", 418, ``, KindValidation, msgGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fb, storage := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			ctx := context.Background()
			require.NoError(t, c.Session().Set(ctx, "tok"))

			err := c.Get(ctx, "/google/tasks/1/", nil, nil)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.kind, apiErr.Kind)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.True(t, IsKind(err, tt.kind))

			toasts, redirects := fb.counts()
			assert.Equal(t, 1, toasts)
			assert.Equal(t, 0, redirects)
			assert.Equal(t, tt.message, fb.last().message)
			assert.Equal(t, "tok", c.Session().Get().Token)
			assert.Equal(t, 0, storage.DeleteCount())
		})
	}
}

func TestConnectivityFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	fb := &recordingFeedback{}
	sess := session.New(nil)
	require.NoError(t, sess.Set(context.Background(), "tok"))
	c := New(Options{BaseURL: base, Timeout: time.Second, Session: sess, Feedback: fb})

	err := c.Get(context.Background(), "/google/tasks/", nil, nil)
	require.True(t, IsKind(err, KindConnectivity), "got %v", err)
	toasts, redirects := fb.counts()
	assert.Equal(t, 1, toasts)
	assert.Equal(t, 0, redirects)
	assert.Equal(t, msgConnectivity, fb.last().message)
	assert.Equal(t, "tok", sess.Get().Token)
}

func TestUnauthorizedClearsCredential(t *testing.T) {
	c, fb, storage := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"detail": "token expired"}`)
	}))
	ctx := context.Background()
	require.NoError(t, c.Session().Set(ctx, "tok"))

	err := c.Do(ctx, http.MethodGet, "/google/tasks/1/", Request{Quiet: true}, nil)
	require.True(t, IsKind(err, KindAuthExpired))
	assert.False(t, c.Session().Get().Present())
	assert.Equal(t, 1, storage.DeleteCount())

	toasts, redirects := fb.counts()
	assert.Equal(t, 1, redirects)
	assert.Equal(t, 1, toasts)
	assert.Equal(t, msgAuthExpired, fb.last().message)
}

func TestConcurrentUnauthorizedLogsOutOnce(t *testing.T) {
	const n = 8
	var arrived atomic.Int32
	release := make(chan struct{})
	var once sync.Once

	c, fb, storage := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if arrived.Add(1) == n {
			once.Do(func() { close(release) })
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		writeJSON(w, http.StatusUnauthorized, `{}`)
	}))
	ctx := context.Background()
	require.NoError(t, c.Session().Set(ctx, "tok"))

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Get(ctx, fmt.Sprintf("/google/tasks/%d/", i), nil, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.True(t, IsKind(err, KindAuthExpired))
	}
	toasts, redirects := fb.counts()
	assert.Equal(t, 1, redirects)
	assert.Equal(t, 1, toasts)
	assert.Equal(t, 1, storage.DeleteCount())
}

func TestRepeatedUnauthorizedAfterExpiryStaysQuiet(t *testing.T) {
	var calls atomic.Int32
	c, fb, storage := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"detail": "token expired"}`)
	}))
	ctx := context.Background()
	require.NoError(t, c.Session().Set(ctx, "tok"))

	for i := 0; i < 3; i++ {
		err := c.Do(ctx, http.MethodGet, "/google/tasks/1/", Request{Quiet: true}, nil)
		require.True(t, IsKind(err, KindAuthExpired))
	}
	assert.Equal(t, int32(3), calls.Load())

	toasts, redirects := fb.counts()
	assert.Equal(t, 1, redirects)
	assert.Equal(t, 1, toasts)
	assert.Equal(t, 1, storage.DeleteCount())

	require.NoError(t, c.Session().Set(ctx, "fresh"))
	err := c.Do(ctx, http.MethodGet, "/google/tasks/1/", Request{Quiet: true}, nil)
	require.True(t, IsKind(err, KindAuthExpired))
	_, redirects = fb.counts()
	assert.Equal(t, 2, redirects)
}

func TestQuietSuppressesToast(t *testing.T) {
	c, fb, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{}`)
	}))
	err := c.Do(context.Background(), http.MethodGet, "/google/tasks/1/", Request{Quiet: true}, nil)
	assert.True(t, IsKind(err, KindServerError))
	toasts, _ := fb.counts()
	assert.Equal(t, 0, toasts)
}

func TestCancelledContextIsNotAFailure(t *testing.T) {
	c, fb, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, `{}`)
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Post(ctx, "/google/tasks/1/cancel/", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	toasts, redirects := fb.counts()
	assert.Equal(t, 0, toasts)
	assert.Equal(t, 0, redirects)
}

func TestAbandonedSharedReadDoesNotToast(t *testing.T) {
	var hits atomic.Int32
	c, fb, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		writeJSON(w, http.StatusInternalServerError, `{}`)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Get(ctx, "/google/tasks/42/", nil, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	toasts, _ := fb.counts()
	assert.Equal(t, 0, toasts)

	err = c.Get(context.Background(), "/google/tasks/42/", nil, nil)
	assert.True(t, IsKind(err, KindServerError))
	toasts, _ = fb.counts()
	assert.Equal(t, 1, toasts)
	assert.Equal(t, msgServerError, fb.last().message)
}

func TestConcurrentIdenticalReadsShareOneRoundTrip(t *testing.T) {
	const n = 8
	var hits atomic.Int32
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(150 * time.Millisecond)
		writeJSON(w, http.StatusOK, `{"id": 42, "status": "running"}`)
	}))

	var wg sync.WaitGroup
	results := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.Get(context.Background(), "/google/tasks/42/", nil, &results[i]))
		}(i)
	}
	wg.Wait()

	assert.Less(t, hits.Load(), int32(n))
	for _, r := range results {
		assert.Equal(t, "running", r["status"])
	}
}

func TestDecodeErrorIsReported(t *testing.T) {
	c, fb, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id": "not-a-number"}`)
	}))
	var out struct {
		ID int `json:"id"`
	}
	err := c.Get(context.Background(), "/google/tasks/1/", nil, &out)
	require.Error(t, err)
	var typeErr *json.UnmarshalTypeError
	assert.ErrorAs(t, err, &typeErr)
	toasts, _ := fb.counts()
	assert.Equal(t, 0, toasts)
}
