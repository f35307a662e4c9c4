package logbus

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the console logger. LOG_LEVEL selects the threshold.
func NewLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Pipe mirrors bus messages to logger until the returned stop func is called
// or the bus closes. stop waits for the pipe goroutine to drain.
func Pipe(b *Bus, logger *logrus.Logger) (stop func()) {
	ch, cancel := b.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			Write(logger, msg)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Write renders a single bus message on logger.
func Write(logger *logrus.Logger, msg Message) {
	switch data := msg.Data.(type) {
	case LogData:
		entry := logger.WithFields(logrus.Fields(data.Fields))
		entry.Log(parseLevel(data.Level), data.Msg)
	case Toast:
		logger.WithField("kind", data.Kind).Log(parseLevel(data.Level), data.Message)
	case Navigate:
		logger.WithField("route", data.Route).Warn(data.Reason)
	default:
		if msg.Type == TypeSnapshot || msg.Type == TypeWatch {
			logger.WithField("type", msg.Type).Debug(data)
			return
		}
		logger.WithField("type", msg.Type).Info(data)
	}
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
