package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"autoall/internal/config"
	"autoall/internal/logbus"
)

// EmailNotifier batches finished-task events and mails a summary once the
// queue has been idle for the summary window.
type EmailNotifier struct {
	cfg  config.EmailConfig
	bus  *logbus.Bus
	send func(*gomail.Message) error

	mu     sync.Mutex
	queue  chan TaskFinishedEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(cfg config.EmailConfig, bus *logbus.Bus) *EmailNotifier {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.Port == 465
	return newEmailNotifier(cfg, bus, emailSummaryWindow(), d.DialAndSend)
}

func newEmailNotifier(cfg config.EmailConfig, bus *logbus.Bus, window time.Duration, send func(...*gomail.Message) error) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		cfg:           cfg,
		bus:           bus,
		send:          func(m *gomail.Message) error { return send(m) },
		queue:         make(chan TaskFinishedEvent, 200),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: window,
		maxBatch:      50,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Close flushes pending events and waits for the loop to exit.
func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyTaskFinished(_ context.Context, evt TaskFinishedEvent) {
	select {
	case n.queue <- evt:
	default:
		n.bus.Warn("email notification dropped: queue full", map[string]any{
			"taskId": evt.TaskID,
			"status": evt.Status,
		})
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []TaskFinishedEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		stopTimer()
		if len(pending) == 0 {
			return
		}
		events := append([]TaskFinishedEvent(nil), pending...)
		pending = pending[:0]
		n.handleBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
		drain:
			for {
				select {
				case evt := <-n.queue:
					pending = append(pending, evt)
				default:
					break drain
				}
			}
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if n.maxBatch > 0 && len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []TaskFinishedEvent) {
	if !n.cfg.Enabled {
		n.bus.Info("email notification disabled", map[string]any{
			"count":  len(events),
			"reason": reason,
		})
		return
	}
	msg, err := buildMessage(n.cfg, events)
	if err != nil {
		n.bus.Warn("email settings invalid", map[string]any{"error": err.Error()})
		return
	}
	if err := n.send(msg); err != nil {
		n.bus.Warn("email send failed", map[string]any{
			"error":  err.Error(),
			"count":  len(events),
			"reason": reason,
		})
		return
	}
	n.bus.Info("notification email sent", map[string]any{
		"count":  len(events),
		"reason": reason,
		"to":     strings.Join(n.cfg.To, ","),
	})
}

func validateEmailConfig(c config.EmailConfig) error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("smtp host is required")
	}
	if len(c.To) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, to := range c.To {
		if _, err := mail.ParseAddress(strings.TrimSpace(to)); err != nil {
			return fmt.Errorf("invalid recipient %q", to)
		}
	}
	if _, err := mail.ParseAddress(sender(c)); err != nil {
		return errors.New("invalid sender")
	}
	return nil
}

func sender(c config.EmailConfig) string {
	if from := strings.TrimSpace(c.From); from != "" {
		return from
	}
	return strings.TrimSpace(c.Username)
}

func buildMessage(c config.EmailConfig, events []TaskFinishedEvent) (*gomail.Message, error) {
	if err := validateEmailConfig(c); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.New("no events")
	}
	htmlBody, textBody, err := buildSummaryBody(events)
	if err != nil {
		return nil, err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(sender(c), "autoall"))
	msg.SetHeader("To", c.To...)
	msg.SetHeader("Subject", buildSubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)
	return msg, nil
}

func buildSubject(events []TaskFinishedEvent) string {
	if len(events) == 1 {
		evt := events[0]
		return fmt.Sprintf("Task %s %s (%d/%d succeeded)", evt.TaskID, evt.Status, evt.SuccessCount, evt.TotalCount)
	}
	failed := 0
	for _, evt := range events {
		if evt.Status != "completed" {
			failed++
		}
	}
	if failed == 0 {
		return fmt.Sprintf("%d tasks completed", len(events))
	}
	return fmt.Sprintf("%d tasks finished, %d not completed", len(events), failed)
}

var summaryHTMLTpl = template.Must(template.New("summary").Parse(`
<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <title>Task summary</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">Finished tasks</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">{{ .Total }} task(s), {{ .Start }} ~ {{ .End }}</div>
        </div>
        <div style="padding:22px;">
          <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
            <thead>
              <tr style="background:#fafbff;">
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Task</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Type</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Status</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Accounts</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Duration</th>
              </tr>
            </thead>
            <tbody>
              {{ range .Rows }}
              <tr>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Task }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Type }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Status }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Accounts }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Duration }}</td>
              </tr>
              {{ end }}
            </tbody>
          </table>
        </div>
      </div>
    </div>
  </body>
</html>
`))

type summaryRow struct {
	Task     string
	Type     string
	Status   string
	Accounts string
	Duration string
}

func buildSummaryBody(events []TaskFinishedEvent) (htmlBody string, textBody string, err error) {
	rows := make([]summaryRow, 0, len(events))
	var minAt, maxAt time.Time
	for i, evt := range events {
		at := time.Now()
		if evt.At > 0 {
			at = time.UnixMilli(evt.At)
		}
		if i == 0 || at.Before(minAt) {
			minAt = at
		}
		if i == 0 || at.After(maxAt) {
			maxAt = at
		}
		rows = append(rows, summaryRow{
			Task:     evt.Plugin + "/" + evt.TaskID,
			Type:     safeText(evt.TaskType, "-"),
			Status:   evt.Status,
			Accounts: fmt.Sprintf("%d ok / %d failed / %d total", evt.SuccessCount, evt.FailedCount, evt.TotalCount),
			Duration: safeText(evt.Duration, "-"),
		})
	}

	data := struct {
		Total int
		Start string
		End   string
		Rows  []summaryRow
	}{
		Total: len(events),
		Start: minAt.Format("2006-01-02 15:04:05"),
		End:   maxAt.Format("2006-01-02 15:04:05"),
		Rows:  rows,
	}

	var buf bytes.Buffer
	if err := summaryHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	fmt.Fprintf(text, "Finished tasks: %d (%s ~ %s)\n", len(events), data.Start, data.End)
	for _, row := range rows {
		fmt.Fprintf(text, "- %s | %s | %s | %s | %s\n", row.Task, row.Type, row.Status, row.Accounts, row.Duration)
	}
	return buf.String(), text.String(), nil
}

func safeText(prefer, fallback string) string {
	if s := strings.TrimSpace(prefer); s != "" {
		return s
	}
	return fallback
}

func emailSummaryWindow() time.Duration {
	v := strings.TrimSpace(os.Getenv("AUTOALL_EMAIL_SUMMARY_SECONDS"))
	if v == "" {
		return 20 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 20 * time.Second
	}
	if n <= 0 {
		return 0
	}
	if n > 600 {
		n = 600
	}
	return time.Duration(n) * time.Second
}
