// Package klog is the kernel's logging façade. Subsystems never write to
// the console or UART directly -- those are out-of-scope collaborators
// (spec.md §1) -- they log through a named Logger here instead, and the
// boot shim points the façade's sink at a real collaborator once one has
// been registered.
package klog

import (
	"fmt"
	"io"
	"sync"

	log "github.com/dsoprea/go-logging"
)

// Level mirrors the DEBUG/INFO/WARN/FATAL levels that the original
// implementation's logging.cpp exposes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelFatal
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "FATAL"}

var (
	mu        sync.Mutex
	sink      io.Writer = &ringSink{cap: 16 * 1024}
	threshold           = LevelInfo
)

// SetOutput redirects future log output to w. The boot shim calls this
// once the UART or VGA collaborator is registered; anything logged before
// that point is held in the in-memory ring and replayed.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	prev, wasRing := sink.(*ringSink)
	sink = w
	if wasRing {
		_, _ = w.Write(prev.Bytes())
	}
}

// SetThreshold sets the minimum level that reaches the sink.
func SetThreshold(l Level) {
	mu.Lock()
	threshold = l
	mu.Unlock()
}

// Logger is a per-subsystem named logger, e.g. klog.New("pfa").
type Logger struct {
	tag string
}

// New returns a logger tagged with the given subsystem name.
func New(subsystem string) *Logger {
	return &Logger{tag: subsystem}
}

func (l *Logger) emit(lvl Level, format string, args ...interface{}) {
	mu.Lock()
	skip := lvl < threshold
	w := sink
	mu.Unlock()
	if skip {
		return
	}
	line := fmt.Sprintf("[%s %s] %s\n", levelNames[lvl], l.tag, fmt.Sprintf(format, args...))
	_, _ = io.WriteString(w, line)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.emit(LevelDebug, format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.emit(LevelInfo, format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.emit(LevelWarn, format, args...) }

// Fatalf logs at fatal level. It does not itself panic; callers in the
// CORE that must crash use kassert for that so the stack dump is uniform.
func (l *Logger) Fatalf(format string, args ...interface{}) { l.emit(LevelFatal, format, args...) }

// Err wraps a peripheral/protocol error (category 3 in spec.md §7) with
// go-logging's stack-aware Wrap so the originating frame survives up to
// whatever caller decides to retry or abort.
func (l *Logger) Err(err error) error {
	if err == nil {
		return nil
	}
	wrapped := log.Wrap(err)
	l.emit(LevelWarn, "%s", wrapped.Error())
	return wrapped
}

// Errf builds and logs a category-3/5 error in one step.
func (l *Logger) Errf(format string, args ...interface{}) error {
	err := log.Errorf(format, args...)
	l.emit(LevelWarn, "%s", err.Error())
	return err
}

// PrintPanic reports a recovered panic the way go-logging's PrintError
// does, then re-panics so the caller's defer/recover chain still halts the
// kernel (category 1/4 errors are always fatal).
func PrintPanic(tag string, recovered interface{}) {
	if err, ok := recovered.(error); ok {
		log.PrintError(err)
	} else {
		fmt.Printf("[FATAL %s] %v\n", tag, recovered)
	}
	panic(recovered)
}

// ringSink buffers early boot log lines before a real sink is attached.
type ringSink struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func (r *ringSink) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.cap; over > 0 {
		r.buf = r.buf[over:]
	}
	return len(p), nil
}

func (r *ringSink) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}
