package elfsplice

import (
	"go.uber.org/zap"
)

// log is the package-level structured logger, the generalized replacement
// for the teacher's VerboseMode bool + fmt.Fprintf(os.Stderr, ...) habit.
// Components log through stage() with a "component" field: the image parser
// and the emitter at debug level, the header rewriter a warning for a stale
// DT_GNU_HASH; Run logs start/success at info level.
var log = func() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}()

// SetVerbose swaps the package logger for a development config (debug
// level, human-readable console encoding) when -v/--verbose is set.
func SetVerbose(verbose bool) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return
	}
	log = l.Sugar()
}

// stage returns a child logger tagged with the pipeline component name.
func stage(component string) *zap.SugaredLogger {
	return log.With("component", component)
}
