package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// Headers that carry credentials never leave the process.
var scrubbedHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Cron-Secret"}

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// InitSentry is a no-op without a DSN; capture helpers then do nothing.
func InitSentry(cfg SentryConfig) error {
	if cfg.DSN == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		BeforeSend:       scrubEvent,
	})
}

func FlushSentry(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// CaptureError reports err on the request-scoped hub when one is attached to
// ctx, otherwise on the global hub.
func CaptureError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Request == nil {
		return event
	}
	event.Request.Cookies = ""
	for _, name := range scrubbedHeaders {
		delete(event.Request.Headers, name)
		delete(event.Request.Headers, http.CanonicalHeaderKey(name))
	}
	return event
}
