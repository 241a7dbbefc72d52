package gtfs2db

import (
	"fmt"
	"github.com/getsentry/sentry-go"
	"time"
)

// SetupSentry initialises error reporting. With an empty dsn the client is
// disabled and every report is dropped.
func SetupSentry(dsn string) error {
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	return nil
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

func reportEntityFailure(runID string, res EntityResult) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", runID)
		scope.SetTag("entity", res.Entity)
		scope.SetContext("entity", sentry.Context{
			"file":       res.File,
			"encoding":   res.Encoding,
			"rows":       res.Rows,
			"row_errors": res.RowErrors,
		})
		sentry.CaptureMessage(fmt.Sprintf("Failed to load %s: %s", res.File, res.Error))
	})
}

func reportRunFailure(runID, feedPath string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", runID)
		scope.SetContext("feed", sentry.Context{"path": feedPath})
		sentry.CaptureException(err)
	})
}
