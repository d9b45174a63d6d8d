package logger

import (
	"log/slog"
	"time"
)

// Attribute helpers use the empty Attr pattern for nil safety.
// This allows calls like log.Info("msg", logger.Error(err)) without explicit
// nil checks, following the principle of making zero values useful.

// Error creates an attribute for a single error under the key "error".
// Returns an empty Attr for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component creates an attribute for the emitting workflow component.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Step creates an attribute for the workflow step name.
func Step(name string) slog.Attr {
	return slog.String("step", name)
}

// Site creates an attribute for the hosting site identity.
func Site(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("site", name)
}

// Domains creates an attribute for the domain set being processed.
func Domains(names []string) slog.Attr {
	if len(names) == 0 {
		return slog.Attr{}
	}
	return slog.Any("domains", names)
}

// OrderURL creates an attribute for the CA order being driven.
func OrderURL(url string) slog.Attr {
	if url == "" {
		return slog.Attr{}
	}
	return slog.String("order_url", url)
}

// Record creates an attribute for a DNS record name.
func Record(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("record", name)
}

// Thumbprint creates an attribute for a certificate thumbprint.
func Thumbprint(v string) slog.Attr {
	if v == "" {
		return slog.Attr{}
	}
	return slog.String("thumbprint", v)
}

// Expiry creates an attribute for a certificate expiration time.
func Expiry(t time.Time) slog.Attr {
	if t.IsZero() {
		return slog.Attr{}
	}
	return slog.Time("expires_at", t)
}

// Attempt creates an attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

// Duration creates an attribute for a duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Elapsed calculates and logs the duration since the start time.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
