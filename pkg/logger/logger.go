package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu          sync.Mutex
	globalBase  *zap.Logger
	globalSugar *zap.SugaredLogger
)

// Init builds the global zap logger. env is "production"/"prod" for JSON
// output or anything else for the development console encoder. Stdlib log
// output is redirected so stray log.Printf calls land in the same stream.
func Init(env string) (*zap.Logger, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalBase != nil {
		return globalBase, nil
	}
	return build(env)
}

// build constructs and installs the logger. Caller holds mu.
func build(env string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(env, "prod") || strings.EqualFold(env, "production") {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	base, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(base)
	_ = zap.RedirectStdLog(base)

	globalBase = base
	globalSugar = base.Sugar()
	return globalBase, nil
}

// Base returns the global structured logger, initializing from LOG_ENV on
// first use so packages can log before main finishes wiring.
func Base() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalBase == nil {
		if _, err := build(os.Getenv("LOG_ENV")); err != nil {
			base, _ := zap.NewDevelopment()
			globalBase = base
			globalSugar = base.Sugar()
		}
	}
	return globalBase
}

// L returns the sugared form of the global logger.
func L() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if globalSugar == nil {
		if _, err := build(os.Getenv("LOG_ENV")); err != nil {
			base, _ := zap.NewDevelopment()
			globalBase = base
			globalSugar = base.Sugar()
		}
	}
	return globalSugar
}

// Sync flushes buffered entries. Called from main on shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if globalBase != nil {
		_ = globalBase.Sync()
	}
}

// GORMWriter adapts the global logger to gorm.io/gorm/logger.Writer, which
// only knows Printf.
type GORMWriter struct{}

// NewGORMWriter returns a writer adapter for the GORM logger.
func NewGORMWriter() GORMWriter {
	return GORMWriter{}
}

// Printf implements gorm.io/gorm/logger.Writer. GORM routes slow-query and
// error lines through here, so they log at Warn.
func (w GORMWriter) Printf(format string, v ...interface{}) {
	msg := strings.TrimRight(fmt.Sprintf(format, v...), "\r\n")
	Base().Warn(msg)
}
