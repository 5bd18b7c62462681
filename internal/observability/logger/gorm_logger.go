package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSlowQuery is the duration above which a store statement is warned about.
const DefaultSlowQuery = 100 * time.Millisecond

// StoreLogger routes gorm output for the webhook store through zap. Failed
// statements log at error, slow ones at warn, the rest at debug. A missing
// row is not a failure: the duplicate lookup expects it.
type StoreLogger struct {
	base  *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

// NewStoreLogger logs through base, or the global logger when base is nil.
func NewStoreLogger(base *zap.Logger, slow time.Duration) *StoreLogger {
	return &StoreLogger{base: base, level: gormlogger.Warn, slow: slow}
}

func (l *StoreLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *StoreLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *StoreLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *StoreLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *StoreLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.statement(ctx, zapcore.ErrorLevel, fc, elapsed, err)
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		l.statement(ctx, zapcore.WarnLevel, fc, elapsed, nil)
	case l.level >= gormlogger.Info:
		l.statement(ctx, zapcore.DebugLevel, fc, elapsed, nil)
	}
}

// ParamsFilter keeps bound values, which carry webhook payloads and
// signatures, out of the logged SQL.
func (l *StoreLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *StoreLogger) logger(ctx context.Context) *zap.Logger {
	if l.base == nil {
		return FromContext(ctx)
	}
	return WithContext(ctx, l.base)
}

func (l *StoreLogger) message(ctx context.Context, threshold gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.level < threshold {
		return
	}
	if len(data) > 0 {
		msg = fmt.Sprintf(msg, data...)
	}
	l.logger(ctx).Log(level, strings.TrimSpace(msg), zap.String("component", "store"))
}

func (l *StoreLogger) statement(ctx context.Context, level zapcore.Level, fc func() (string, int64), elapsed time.Duration, err error) {
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("component", "store"),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", sqlVerb(sql)),
		zap.String("table", webhookTable(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.logger(ctx).Log(level, "store query", fields...)
}

// sqlVerb returns the first DML keyword, skipping a leading CTE.
func sqlVerb(sql string) string {
	for _, word := range strings.Fields(strings.ToUpper(sql)) {
		switch word = strings.Trim(word, "();"); word {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return word
		}
	}
	return "UNKNOWN"
}

// webhookTable picks the first webhook table named in the statement.
func webhookTable(sql string) string {
	lowered := strings.ToLower(sql)
	for _, table := range []string{"webhook_processing_queue", "webhook_events"} {
		if strings.Contains(lowered, table) {
			return table
		}
	}
	return "other"
}

var _ gormlogger.Interface = (*StoreLogger)(nil)
