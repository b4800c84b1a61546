package logger

import (
	"fmt"
	"io"
	"time"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// OperationNameKey is the logging context key used for identifying name of an operation.
	OperationNameKey = "op_name"

	// OperationEventKey is the logging context key used for identifying a notable
	// event during the course of an operation.
	OperationEventKey = "op_event"

	// OperationElapsedKey is the logging context key used for identifying time elapsed to finish an operation.
	OperationElapsedKey = "op_elapsed"

	// DBInstanceKey is the logging context key used for identifying a tenant database.
	DBInstanceKey = "db_instance"
)

// New returns a production logger writing console output to w at debug level.
func New(w io.Writer) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		zapcore.DebugLevel,
	))
}

// NewLogger builds a logger from c writing to w.
func (c Config) NewLogger(w io.Writer) (*zap.Logger, error) {
	encConfig := zap.NewProductionEncoderConfig()
	encConfig.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	encConfig.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}

	var enc zapcore.Encoder
	switch format := c.Format; format {
	case "", "auto", "console":
		enc = zapcore.NewConsoleEncoder(encConfig)
	case "logfmt":
		enc = zaplogfmt.NewEncoder(encConfig)
	case "json":
		enc = zapcore.NewJSONEncoder(encConfig)
	default:
		return nil, fmt.Errorf("unknown logging format: %s", format)
	}

	return zap.New(zapcore.NewCore(
		enc,
		zapcore.Lock(zapcore.AddSync(w)),
		c.Level,
	)), nil
}

// OperationName returns a field for tracking the name of an operation.
func OperationName(name string) zap.Field {
	return zap.String(OperationNameKey, name)
}

// OperationElapsed returns a field for tracking the duration of an operation.
func OperationElapsed(d time.Duration) zap.Field {
	return zap.Duration(OperationElapsedKey, d)
}

// OperationEventStart returns a field for tracking the start of an operation.
func OperationEventStart() zap.Field {
	return zap.String(OperationEventKey, "start")
}

// OperationEventEnd returns a field for tracking the end of an operation.
func OperationEventEnd() zap.Field {
	return zap.String(OperationEventKey, "end")
}

// DBInstance returns a field for tracking the name of a tenant database.
func DBInstance(name string) zap.Field {
	return zap.String(DBInstanceKey, name)
}

// NewOperation uses the existing log and creates a new logger, then
// logs the start of the operation. The returned function should be
// called when the operation is finished to log its end and elapsed time.
func NewOperation(log *zap.Logger, msg, name string, fields ...zap.Field) (*zap.Logger, func()) {
	f := []zap.Field{OperationName(name)}
	f = append(f, fields...)

	now := time.Now()
	log = log.With(f...)
	log.Info(msg+" (start)", OperationEventStart())

	return log, func() {
		log.Info(msg+" (end)", OperationEventEnd(), OperationElapsed(time.Since(now)))
	}
}
