// Package audit records preservation-relevant events: what happened to which
// bitstream, when and with what outcome. Events are structured zerolog entries
// tagged with event_type so they can be filtered out of the general log.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Outcomes used across audit events.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Logger writes audit events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
// Pass zerolog.Nop() to discard all events.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogStorageOp logs a bitstream lifecycle operation.
// operation: "store", "register", "retrieve" or "delete"
// result: ResultOK or ResultFailed
// details: additional context (e.g. error message)
func (l *Logger) LogStorageOp(operation string, bitstreamID int64, internalID string, storeNumber int, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result != ResultOK {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "storage_operation").
		Str("operation", operation).
		Int64("bitstream_id", bitstreamID).
		Str("internal_id", internalID).
		Int("store", storeNumber).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Storage operation")
}

// LogCleanup logs what a cleanup pass did with one bitstream or file.
// action: e.g. "file_removed", "row_expunged", "deferred", "kept_shared",
// "kept_registered", "orphan_removed"
func (l *Logger) LogCleanup(action string, bitstreamID int64, internalID string, storeNumber int, details string) {
	if l == nil {
		return
	}
	event := l.logger.Info().
		Str("event_type", "cleanup").
		Str("action", action).
		Str("internal_id", internalID).
		Int("store", storeNumber)

	if bitstreamID != 0 {
		event = event.Int64("bitstream_id", bitstreamID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Cleanup event")
}

// LogChecksumResult logs a verification whose outcome needs attention.
// Matches are not audited; they are recorded in the checksum history.
func (l *Logger) LogChecksumResult(bitstreamID int64, result, expected, calculated string) {
	if l == nil {
		return
	}
	l.logger.Warn().
		Str("event_type", "checksum").
		Int64("bitstream_id", bitstreamID).
		Str("result", result).
		Str("expected", expected).
		Str("calculated", calculated).
		Msg("Checksum verification problem")
}

// LogPrune logs removal of checksum history rows.
// result: the result code pruned, or "default" for all other codes
func (l *Logger) LogPrune(result string, retention time.Duration, deleted int64) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("event_type", "history_prune").
		Str("result", result).
		Dur("retention", retention).
		Int64("deleted", deleted).
		Msg("Checksum history pruned")
}

// LogFilter logs a media filter derivation.
// result: "created", "skipped" or ResultFailed
func (l *Logger) LogFilter(filter string, itemID, sourceID, derivedID int64, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == ResultFailed {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "media_filter").
		Str("filter", filter).
		Int64("item_id", itemID).
		Int64("source_bitstream_id", sourceID).
		Str("result", result)

	if derivedID != 0 {
		event = event.Int64("derived_bitstream_id", derivedID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Media filter event")
}
