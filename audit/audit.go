// Package audit appends admin explanations to a plain text file.
package audit

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const timeLayout = "2006-01-02 15:04:05"

type FileLog struct {
	path   string
	logger log.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewFileLog(path string, logger log.Logger) *FileLog {
	return &FileLog{path: path, logger: logger, now: time.Now}
}

// Append writes one timestamped entry. Existing content is never rewritten.
func (l *FileLog) Append(_ context.Context, username, explanation string) error {
	// one entry per line
	explanation = strings.ReplaceAll(explanation, "\r", " ")
	explanation = strings.ReplaceAll(explanation, "\n", " ")
	entry := fmt.Sprintf("[%s] Admin Explanation: %s\n", l.now().Format(timeLayout), explanation)

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	_ = level.Info(l.logger).Log("msg", "admin provided an attack explanation", "username", username)
	return nil
}
