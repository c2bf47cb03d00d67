// Package logger builds the zap logger used for operator-facing diagnostics.
package logger

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build builds a logger writing to stderr. The level is a zap level name such as
// "debug" or "warn"; encoding is either "console" or "json".
func Build(level, encoding string) (*zap.Logger, error) {
	return build(os.Stderr, level, encoding)
}

func build(w io.Writer, level, encoding string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}

	var encoder zapcore.Encoder

	switch encoding {
	case "", "console":
		config := zap.NewDevelopmentEncoderConfig()
		config.TimeKey = ""
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !isTerminal(w) {
			config.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(config)
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, errors.Errorf("unknown log encoding %q", encoding)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), atomicLevel)
	return zap.New(core), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	stat, err := f.Stat()
	if err != nil {
		return false
	}

	return stat.Mode()&os.ModeCharDevice != 0
}
