package telepathy

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// newLogger builds the session's structured logger, optionally tee'd
// to a file named from an strftime pattern. An empty pattern logs to
// stderr only.
func newLogger(levelName, filePattern string) (*log.Logger, error) {
	level := log.InfoLevel
	if parsed, err := log.ParseLevel(levelName); err == nil && levelName != "" {
		level = parsed
	}

	var out io.Writer = os.Stderr
	if filePattern != "" {
		name, err := logFileName(filePattern, time.Now())
		if err != nil {
			return nil, fmt.Errorf("telepathy: log file pattern: %w", err)
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("telepathy: open log file %s: %w", name, err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}

	l := log.NewWithOptions(out, log.Options{Level: level, ReportTimestamp: true})
	return l, nil
}

// logFileName expands an strftime pattern against t, the way a
// production host would derive one log file name per run or per day.
func logFileName(pattern string, t time.Time) (string, error) {
	return strftime.Format(pattern, t)
}
