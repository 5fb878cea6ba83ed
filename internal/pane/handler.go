// Package pane implements the terminal variant's per-pane state, its
// Manager (the pane-keyed registry that also tracks pane lifecycle), the
// collector server, and the RPC method set bound to panes.
package pane

// Kind tags the small fixed set of process-handler special cases: the
// pattern store remains the primary readiness mechanism, and a handler
// only covers what the DSL cannot express (e.g. ssh's blanket proxy
// behavior).
type Kind int

const (
	// KindDefault covers shells, REPLs, and anything with no special case.
	KindDefault Kind = iota
	// KindProxy covers ssh/scp/sftp/rsync: these proxy a
	// remote shell so the local pattern store cannot see its prompt;
	// readiness instead falls back to "try every known process's
	// patterns" exactly like an empty process name.
	KindProxy
	// KindPython covers bare python/python3 REPLs, which use ">>> " as a
	// near-universal ready prompt absent from the generic handler table.
	KindPython
)

// handlerTable maps a process name to its Kind. Anything absent is
// KindDefault.
var handlerTable = map[string]Kind{
	"ssh":   KindProxy,
	"scp":   KindProxy,
	"sftp":  KindProxy,
	"rsync": KindProxy,

	"python":  KindPython,
	"python3": KindPython,
}

// ClassifyProcess returns the Kind registered for process, KindDefault if
// none.
func ClassifyProcess(process string) Kind {
	return handlerTable[process]
}

// IsProxy reports whether process should fall back to "match every known
// process's patterns" the same way an empty/unknown process name does.
// This is the terminal variant's one escape hatch; the browser variant
// has no analogue and must not gain one.
func IsProxy(process string) bool {
	return ClassifyProcess(process) == KindProxy
}

// interruptKeys maps a process name to the tmux key name its interrupt
// RPC sends in place of DefaultInterruptKey. The python and python3
// entries map to C-c, the same key as the default.
var interruptKeys = map[string]string{
	"python":  "C-c",
	"python3": "C-c",
}

// DefaultInterruptKey is sent when process has no override.
const DefaultInterruptKey = "C-c"

// InterruptKey returns the tmux key name to send to interrupt process.
func InterruptKey(process string) string {
	if k, ok := interruptKeys[process]; ok {
		return k
	}
	return DefaultInterruptKey
}
