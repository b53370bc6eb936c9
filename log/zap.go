package log

import (
	"errors"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	STDOUT     bool   // stdout
	File       string // log output file path, empty means no log file
	Level      int8   // debug -1 | info 0 (default) | warn 1 | error 2
	MaxAge     int    // days to keep rotated files, 0 keeps them forever
	MaxSize    int    // megabytes per file before rotation
	MaxBackups int    // rotated files to keep
	Compress   bool   // gzip rotated files
	JsonFormat bool   // json encoder instead of console
}

var (
	Logger = zap.NewNop()
	Sugar  = Logger.Sugar()
)

func Init(config Config) error {

	var wss []zapcore.WriteSyncer
	if len(config.File) > 0 {
		hook := lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize, // megabytes
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			LocalTime:  false,
			Compress:   config.Compress,
		}
		wss = append(wss, zapcore.AddSync(&hook))
	}

	if config.STDOUT {
		wss = append(wss, zapcore.AddSync(os.Stdout))
	}

	if len(wss) == 0 {
		return errors.New("write syncer needed")
	}

	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var enc zapcore.Encoder
	if config.JsonFormat {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	switch zapcore.Level(config.Level) {
	case zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel:
	default:
		config.Level = int8(zapcore.InfoLevel)
	}

	Logger = zap.New(zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(wss...), zapcore.Level(config.Level)), zap.AddCaller())
	Sugar = Logger.Sugar()

	return nil
}

// Sync flushes buffered entries, errors from syncing a terminal are dropped.
func Sync() {
	_ = Logger.Sync()
}
