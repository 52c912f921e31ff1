// Package adapterlog provides structured, per-call logging for provider
// adapters. The rest of the core stays on plain *log.Logger (see
// internal/store/postgres, internal/orchestrator); adapters get a
// structured shim because their log lines carry a fixed set of correlation
// fields (provider slug, order id, tx hash) that are easier to keep
// consistent through logrus.Fields than through Sprintf.
package adapterlog

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry pre-populated with the adapter's slug.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger for the given provider slug. Output goes to the
// process's shared logrus instance so operators see one interleaved log
// stream regardless of which provider emitted a line.
func New(providerSlug string) *Logger {
	return &Logger{entry: logrus.WithField("provider", providerSlug)}
}

// WithOrder returns a derived Logger carrying the order id field, used for
// the lifetime of a single ExecuteStorageTransaction/CheckTransactionStatus
// call.
func (l *Logger) WithOrder(orderID string) *Logger {
	return &Logger{entry: l.entry.WithField("order_id", orderID)}
}

// WithTxHash returns a derived Logger carrying the transaction hash field.
func (l *Logger) WithTxHash(txHash string) *Logger {
	return &Logger{entry: l.entry.WithField("tx_hash", txHash)}
}

func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
