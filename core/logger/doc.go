// Package logger provides slog attribute helpers shared across the
// certificate workflow, keeping field names consistent between components.
//
// Helpers are nil-safe: passing a nil error or zero value yields an empty
// attribute that slog drops from the output.
//
//	import "github.com/hostedops/certflow/core/logger"
//
//	log.InfoContext(ctx, "certificate deployed",
//		logger.Component("deployer"),
//		logger.Site(site),
//		logger.Domains(domains),
//		logger.Thumbprint(thumbprint),
//		logger.Expiry(notAfter),
//	)
//
//	log.ErrorContext(ctx, "order poll failed",
//		logger.OrderURL(url),
//		logger.Attempt(attempt),
//		logger.Error(err),
//	)
package logger
