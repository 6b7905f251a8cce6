package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the ledger store query logger.
type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
}

// DefaultGormLoggerConfig logs slow and failed statements; debug logs all of them.
func DefaultGormLoggerConfig(debug bool) GormLoggerConfig {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	return GormLoggerConfig{Level: level, SlowThreshold: 200 * time.Millisecond}
}

// GormLogger routes gorm output through zap with request fields from the
// statement context. Not-found reads are expected lookups and never logged.
type GormLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{level: cfg.Level, slowThreshold: cfg.SlowThreshold}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, threshold gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.level < threshold {
		return
	}
	fields := []zap.Field{zap.String("component", "ledger_store")}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	if errors.Is(err, gormlogger.ErrRecordNotFound) {
		err = nil
	}

	elapsed := time.Since(begin)
	var level zapcore.Level
	switch {
	case err != nil && l.level >= gormlogger.Error:
		level = zapcore.ErrorLevel
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		level = zapcore.WarnLevel
	case l.level >= gormlogger.Info:
		level = zapcore.DebugLevel
	default:
		return
	}

	sql, rows := fc()
	stmt := describeStatement(sql)
	fields := []zap.Field{
		zap.String("component", "ledger_store"),
		zap.String("operation", stmt.operation),
		zap.String("table", stmt.table),
		zap.Bool("row_lock", stmt.locking),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.String("sql", strings.TrimSpace(sql)),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if ce := FromContext(ctx).Check(level, "ledger.query"); ce != nil {
		ce.Write(fields...)
	}
}

// ParamsFilter drops bound values so wallet addresses, emails and webhook
// secrets never reach the log.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

type statement struct {
	operation string
	table     string
	locking   bool
}

// describeStatement extracts the verb and the first table a statement touches.
func describeStatement(sql string) statement {
	tokens := strings.Fields(strings.ToUpper(sql))
	stmt := statement{operation: "UNKNOWN", table: "unknown"}
	for i, token := range tokens {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			if stmt.operation == "UNKNOWN" {
				stmt.operation = token
			}
		case "FROM", "INTO":
			if stmt.table == "unknown" && i+1 < len(tokens) {
				stmt.table = tableName(tokens[i+1])
			}
		case "FOR":
			if i+1 < len(tokens) && tokens[i+1] == "UPDATE" {
				stmt.locking = true
			}
		}
		if token == "UPDATE" && stmt.operation == "UPDATE" && stmt.table == "unknown" && i+1 < len(tokens) {
			stmt.table = tableName(tokens[i+1])
		}
	}
	return stmt
}

func tableName(token string) string {
	token = strings.Trim(token, "\"`();")
	if token == "" {
		return "unknown"
	}
	return strings.ToLower(token)
}

var _ gormlogger.Interface = (*GormLogger)(nil)
