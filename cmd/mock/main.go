package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// A mock automation backend. Task reads answer with bare objects and
// DRF pages while writes answer inside the {code,message,data} envelope, so
// both shapes are exercised.
func main() {
	addr := flag.String("addr", ":8000", "listen address")
	step := flag.Duration("step", 3*time.Second, "time each sub-task takes")
	failRate := flag.Float64("fail-rate", 0.25, "probability that a sub-task fails")
	flag.Parse()

	b := &backend{
		step:     *step,
		failRate: *failRate,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		tokens:   make(map[string]struct{}),
		tasks:    make(map[int]*mockTask),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /api/v1/auth/login/", b.login)
	mux.HandleFunc("POST /api/v1/auth/refresh/", b.auth(b.refresh))
	mux.HandleFunc("POST /api/v1/auth/logout/", b.auth(b.logout))
	mux.HandleFunc("GET /api/v1/{plugin}/tasks/", b.auth(b.listTasks))
	mux.HandleFunc("POST /api/v1/{plugin}/tasks/", b.auth(b.createTask))
	mux.HandleFunc("GET /api/v1/{plugin}/tasks/{id}/", b.auth(b.getTask))
	mux.HandleFunc("POST /api/v1/{plugin}/tasks/{id}/cancel/", b.auth(b.cancelTask))
	mux.HandleFunc("POST /api/v1/{plugin}/tasks/{id}/retry/", b.auth(b.retryTask))
	mux.HandleFunc("GET /api/v1/{plugin}/tasks/{id}/log/", b.auth(b.taskLog))
	mux.HandleFunc("GET /api/v1/{plugin}/task-accounts/", b.auth(b.listAccountTasks))

	log.Printf("mock backend listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

type mockSub struct {
	ID        int
	AccountID int
	Status    string
	Message   string
	QueuedAt  time.Time
	StartedAt time.Time
	DoneAt    time.Time
}

type mockTask struct {
	ID        int
	Type      string
	Status    string
	Config    json.RawMessage
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Subs      []*mockSub
	Logs      []string
}

type backend struct {
	step     time.Duration
	failRate float64

	mu     sync.Mutex
	rnd    *rand.Rand
	tokens map[string]struct{}
	tasks  map[int]*mockTask
	nextID int
}

func (b *backend) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		b.mu.Lock()
		_, ok := b.tokens[token]
		b.mu.Unlock()
		if token == "" || !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Authentication credentials were not provided or expired."})
			return
		}
		next(w, r)
	}
}

func (b *backend) issue() string {
	token := "mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	b.mu.Lock()
	b.tokens[token] = struct{}{}
	b.mu.Unlock()
	return token
}

func (b *backend) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Username == "" || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"non_field_errors": []string{"Username and password are required."}})
		return
	}
	writeEnvelope(w, map[string]any{"access": b.issue()})
}

func (b *backend) refresh(w http.ResponseWriter, r *http.Request) {
	b.revoke(r)
	writeEnvelope(w, map[string]any{"token": b.issue()})
}

func (b *backend) logout(w http.ResponseWriter, r *http.Request) {
	b.revoke(r)
	writeEnvelope(w, nil)
}

func (b *backend) revoke(r *http.Request) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	b.mu.Lock()
	delete(b.tokens, token)
	b.mu.Unlock()
}

func (b *backend) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskType   string          `json:"task_type"`
		AccountIDs []int           `json:"account_ids"`
		Config     json.RawMessage `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Malformed request."})
		return
	}
	if len(body.AccountIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"account_ids": []string{"This list may not be empty."}})
		return
	}
	if body.TaskType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"task_type": []string{"This field is required."}})
		return
	}

	b.mu.Lock()
	b.nextID++
	now := time.Now()
	t := &mockTask{
		ID:        b.nextID,
		Type:      body.TaskType,
		Status:    "pending",
		Config:    body.Config,
		CreatedAt: now,
	}
	for i, acc := range body.AccountIDs {
		t.Subs = append(t.Subs, &mockSub{ID: b.nextID*1000 + i + 1, AccountID: acc, Status: "pending", QueuedAt: now})
	}
	t.Logs = append(t.Logs, logLine(now, "INFO", "task created with "+strconv.Itoa(len(t.Subs))+" account(s)"))
	b.tasks[t.ID] = t
	out := b.taskJSON(t)
	b.mu.Unlock()

	writeEnvelope(w, out)
}

func (b *backend) listTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	b.mu.Lock()
	results := make([]map[string]any, 0, len(b.tasks))
	for id := b.nextID; id > 0; id-- {
		t, ok := b.tasks[id]
		if !ok {
			continue
		}
		b.advance(t, time.Now())
		if status != "" && t.Status != status {
			continue
		}
		results = append(results, b.taskJSON(t))
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(results), "next": nil, "previous": nil, "results": results})
}

func (b *backend) task(w http.ResponseWriter, r *http.Request) *mockTask {
	id, _ := strconv.Atoi(r.PathValue("id"))
	t, ok := b.tasks[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Not found."})
		return nil
	}
	b.advance(t, time.Now())
	return t
}

func (b *backend) getTask(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.task(w, r); t != nil {
		writeJSON(w, http.StatusOK, b.taskJSON(t))
	}
}

func (b *backend) cancelTask(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.task(w, r)
	if t == nil {
		return
	}
	if t.Status != "running" && t.Status != "pending" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Task is not running."})
		return
	}
	now := time.Now()
	t.Status = "cancelled"
	t.DoneAt = now
	for _, s := range t.Subs {
		if s.Status == "pending" || s.Status == "running" {
			s.Status = "skipped"
			s.DoneAt = now
		}
	}
	t.Logs = append(t.Logs, logLine(now, "WARNING", "task cancelled"))
	writeEnvelope(w, map[string]any{"status": "cancelled"})
}

func (b *backend) retryTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountIDs []int `json:"account_ids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.task(w, r)
	if t == nil {
		return
	}
	want := make(map[int]bool, len(body.AccountIDs))
	for _, id := range body.AccountIDs {
		want[id] = true
	}
	retried := 0
	for _, s := range t.Subs {
		if s.Status == "failed" && want[s.AccountID] {
			s.Status = "pending"
			s.Message = ""
			s.QueuedAt = time.Now()
			s.StartedAt = time.Time{}
			s.DoneAt = time.Time{}
			retried++
		}
	}
	if retried == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "No failed accounts to retry."})
		return
	}
	t.Logs = append(t.Logs, logLine(time.Now(), "INFO", "retrying "+strconv.Itoa(retried)+" account(s)"))
	writeEnvelope(w, map[string]any{"retried": retried})
}

func (b *backend) taskLog(w http.ResponseWriter, r *http.Request) {
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.task(w, r)
	if t == nil {
		return
	}
	lines := t.Logs
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	writeEnvelope(w, map[string]any{"content": strings.Join(lines, "\n")})
}

func (b *backend) listAccountTasks(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.URL.Query().Get("task_id"))
	status := r.URL.Query().Get("status")
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	b.advance(t, time.Now())
	out := make([]map[string]any, 0, len(t.Subs))
	for _, s := range t.Subs {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, map[string]any{
			"id":             s.ID,
			"task":           t.ID,
			"account":        map[string]any{"id": s.AccountID, "email": "account" + strconv.Itoa(s.AccountID) + "@example.com"},
			"status":         s.Status,
			"result_message": successMessage(s),
			"error_message":  failureMessage(s),
			"started_at":     stamp(s.StartedAt),
			"completed_at":   stamp(s.DoneAt),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// advance moves the task forward to now: sub-tasks run one after another,
// each taking one step once queued.
func (b *backend) advance(t *mockTask, now time.Time) {
	if t.Status == "cancelled" {
		return
	}
	cursor := t.CreatedAt.Add(b.step / 2)
	for _, s := range t.Subs {
		if s.Status == "completed" || s.Status == "failed" || s.Status == "skipped" {
			if s.DoneAt.After(cursor) {
				cursor = s.DoneAt
			}
			continue
		}
		if s.QueuedAt.After(cursor) {
			cursor = s.QueuedAt
		}
		if now.Before(cursor) {
			break
		}
		if s.Status == "pending" {
			s.Status = "running"
			s.StartedAt = cursor
			if t.StartedAt.IsZero() {
				t.StartedAt = cursor
			}
			// Finished tasks stay finished; retried accounts still run.
			if t.Status == "pending" {
				t.Status = "running"
			}
		}
		end := s.StartedAt.Add(b.step)
		if now.Before(end) {
			break
		}
		s.DoneAt = end
		if b.rnd.Float64() < b.failRate {
			s.Status = "failed"
			s.Message = "verification page did not load"
			t.Logs = append(t.Logs, logLine(end, "ERROR", "account "+strconv.Itoa(s.AccountID)+" failed: "+s.Message))
		} else {
			s.Status = "completed"
			t.Logs = append(t.Logs, logLine(end, "INFO", "account "+strconv.Itoa(s.AccountID)+" done"))
		}
		cursor = end
	}

	pending := false
	for _, s := range t.Subs {
		if s.Status == "pending" || s.Status == "running" {
			pending = true
		}
	}
	if !pending && t.Status == "running" {
		t.Status = "completed"
		t.DoneAt = cursor
		if ok, _ := counts(t); ok == 0 {
			t.Status = "failed"
		}
		t.Logs = append(t.Logs, logLine(cursor, "INFO", "task "+t.Status))
	}
}

func counts(t *mockTask) (ok, failed int) {
	for _, s := range t.Subs {
		switch s.Status {
		case "completed":
			ok++
		case "failed":
			failed++
		}
	}
	return ok, failed
}

func (b *backend) taskJSON(t *mockTask) map[string]any {
	ok, failed := counts(t)
	out := map[string]any{
		"id":            t.ID,
		"task_type":     t.Type,
		"status":        t.Status,
		"total_count":   len(t.Subs),
		"success_count": ok,
		"failed_count":  failed,
		"total_cost":    strconv.FormatFloat(float64(ok)*0.15, 'f', 2, 64),
		"created_at":    stamp(t.CreatedAt),
		"started_at":    stamp(t.StartedAt),
		"completed_at":  stamp(t.DoneAt),
		"config":        t.Config,
	}
	if t.Status == "failed" {
		out["error_message"] = "all accounts failed"
	}
	return out
}

func successMessage(s *mockSub) string {
	if s.Status == "completed" {
		return "ok"
	}
	return ""
}

func failureMessage(s *mockSub) string {
	if s.Status == "failed" {
		return s.Message
	}
	return ""
}

// stamp renders naive timestamps, the way the backend does.
func stamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000")
}

func logLine(at time.Time, level, msg string) string {
	return at.Format("2006-01-02 15:04:05") + " - " + level + " - " + msg
}

func writeEnvelope(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"code": 0, "message": "ok", "data": data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
