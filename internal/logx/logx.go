// Package logx provides the ambient stderr logger shared by both daemon
// variants. It deliberately stays plain: a debug toggle plus prefix, in the
// spirit of a small operational daemon rather than a library meant for
// downstream consumption.
package logx

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	debug   = os.Getenv("TAPTOOLS_DEBUG") != ""
	verbose bool
)

// SetVerbose force-enables debug output regardless of the environment.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

// DebugEnabled reports whether debug-level logging is active.
func DebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return debug || verbose
}

// Logger is a prefixed writer onto the shared stderr stream. Each daemon
// component (rpc, broadcast, sessionmux, ...) gets its own Logger so log
// lines are easy to attribute.
type Logger struct {
	component string
}

// New returns a Logger prefixed with component, e.g. "rpc" or "collector".
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) stamp() string {
	return time.Now().Format("15:04:05.000")
}

// Infof writes an informational line unconditionally.
func (l *Logger) Infof(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s [%s] "+format+"\n", append([]any{l.stamp(), l.component}, args...)...)
}

// Errorf writes an error line unconditionally.
func (l *Logger) Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s [%s] ERROR "+format+"\n", append([]any{l.stamp(), l.component}, args...)...)
}

// Debugf writes a line only when debug logging is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if !DebugEnabled() {
		return
	}
	fmt.Fprintf(os.Stderr, "%s [%s] DEBUG "+format+"\n", append([]any{l.stamp(), l.component}, args...)...)
}
