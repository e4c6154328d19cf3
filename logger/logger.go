package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process logger. It discards everything until InitLogger is called.
var Logger = zap.NewNop()

// InitLogger switches Logger to a JSON logger at the given level. An empty
// logFile logs to stdout.
func InitLogger(logFile string, level string) error {
	l, err := New(logFile, level)
	if err != nil {
		return err
	}
	Logger = l
	return nil
}

func New(logFile string, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	var writeSyncer zapcore.WriteSyncer
	if logFile == "" {
		writeSyncer = zapcore.Lock(os.Stdout)
	} else {
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		writeSyncer = zapcore.AddSync(file)
	}
	encoder := zapcore.NewJSONEncoder(cfg)

	core := zapcore.NewCore(encoder, writeSyncer, atom)
	return zap.New(core, zap.AddCaller()), nil
}
