// termtapd is the Terminal Pane Controller daemon: it attaches to a
// running tmux server, ingests raw pane output through the collector
// socket, and drives interactive panes on behalf of RPC clients. This
// binary only hosts the daemon lifecycle (start/stop/status) plus two
// hidden plumbing subcommands; the interactive front-end and the queue UI
// live elsewhere.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tapdaemon/taptools/internal/action"
	"github.com/tapdaemon/taptools/internal/daemoncore"
	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/pane"
	"github.com/tapdaemon/taptools/internal/patternstore"
	"github.com/tapdaemon/taptools/internal/rpcserver"
	"github.com/tapdaemon/taptools/internal/tmuxdriver"
)

const toolName = "termtapd"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           toolName,
		Short:         "Terminal pane controller daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logx.SetVerbose(flags.verbose)
		},
	}
	root.PersistentFlags().StringVar(&flags.runtimeDir, "runtime-dir", "", "override the per-user runtime directory")
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (default: $HOME/.config/taptools/termtapd.toml)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newStartCmd(&flags))
	root.AddCommand(newStopCmd(&flags))
	root.AddCommand(newStatusCmd(&flags))
	root.AddCommand(newRunCmd(&flags))
	root.AddCommand(newCollectorPipeCmd())
	return root
}

type rootFlags struct {
	runtimeDir string
	configFile string
	verbose    bool
}

// loadConfig resolves the effective Config from defaults, the optional
// config file, TAPTOOLS_-prefixed env vars, and the --runtime-dir flag.
func loadConfig(flags *rootFlags) (daemoncore.Config, error) {
	v := viper.New()
	if flags.configFile != "" {
		v.SetConfigFile(flags.configFile)
	} else {
		v.SetConfigName(toolName)
		v.SetConfigType("toml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "taptools"))
		}
	}
	if flags.runtimeDir != "" {
		v.Set("runtime_dir", flags.runtimeDir)
	}
	return daemoncore.LoadConfig(v, toolName)
}

func newStartCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := cfg.EnsureRuntimeDir(); err != nil {
				return err
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve own executable: %w", err)
			}
			logFile, err := os.OpenFile(filepath.Join(cfg.RuntimeDir, "daemon.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("open daemon log: %w", err)
			}
			defer logFile.Close()

			runArgs := []string{"run", "--runtime-dir", cfg.RuntimeDir}
			if flags.configFile != "" {
				runArgs = append(runArgs, "--config", flags.configFile)
			}
			result, err := daemoncore.StartDetached(cfg, exe, runArgs, logFile)
			fmt.Println(result)
			if err != nil {
				return err
			}
			if result == daemoncore.StartFailed {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newStopCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			result, err := daemoncore.Stop(cfg)
			fmt.Println(result)
			return err
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			result := daemoncore.Status(cfg)
			fmt.Println(result)
			if result != daemoncore.Running {
				os.Exit(1)
			}
			return nil
		},
	}
}

// newRunCmd is the hidden foreground entrypoint StartDetached re-execs.
func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Hidden: true,
		Short:  "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runDaemon(cmd, cfg)
		},
	}
}

// runDaemon wires the terminal variant together in dependency order
// (pattern store, action queue, pane manager, RPC registration, sockets)
// and blocks until shutdown.
func runDaemon(cmd *cobra.Command, cfg daemoncore.Config) error {
	if err := cfg.EnsureRuntimeDir(); err != nil {
		return err
	}

	store, err := patternstore.Open(cfg.PatternStorePath)
	if err != nil {
		return err
	}
	queue := action.NewQueue(cfg.ActionQueueMaxResolved)
	tmux := &tmuxdriver.Driver{}

	registry := rpcserver.NewRegistry()

	// The broadcaster lives on the Daemon, which needs the registry first;
	// the mutation hook is bound once both exist.
	var snapshotHook func()
	d, err := daemoncore.New(cfg, registry, func(method string, params json.RawMessage, result any) {
		if snapshotHook != nil {
			snapshotHook()
		}
	})
	if err != nil {
		return err
	}

	mgr := pane.New(tmux, store, queue, d.Broadcaster, cfg.RingBufferMaxLines)
	snapshotHook = func() {
		d.Broadcaster.Enqueue(buildSnapshot(mgr, queue, store))
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	sockets := cfg.Sockets()
	collectorCmd := func(paneID string) string {
		return fmt.Sprintf("%q collector-pipe %q --socket %q", exe, paneID, sockets.Collector)
	}
	pane.Register(registry, mgr, queue, store, collectorCmd)

	collector := pane.NewCollectorServer(sockets.Collector, mgr)
	log := logx.New(toolName)
	go func() {
		if err := collector.Serve(cmd.Context()); err != nil {
			log.Errorf("collector server: %v", err)
		}
	}()

	d.RegisterTeardown(store.Close)
	d.RegisterTeardown(collector.Close)

	return d.Run(cmd.Context())
}

// snapshotEvent is the full state snapshot broadcast on every mutation:
// queue contents, per-pane state summaries, and pattern store counts.
type snapshotEvent struct {
	Type     string                `json:"type"`
	Queue    action.Snapshot       `json:"queue"`
	Panes    []pane.ActionSnapshot `json:"panes"`
	Patterns map[string]int        `json:"patterns"`
}

func buildSnapshot(mgr *pane.Manager, queue *action.Queue, store *patternstore.Store) snapshotEvent {
	states := mgr.All()
	summaries := make([]pane.ActionSnapshot, len(states))
	for i, s := range states {
		summaries[i] = s.Snapshot()
	}
	counts := map[string]int{}
	for process, p := range store.GetAll() {
		counts[process] = len(p.Ready) + len(p.Busy)
	}
	return snapshotEvent{
		Type:     "snapshot",
		Queue:    queue.Snapshot(),
		Panes:    summaries,
		Patterns: counts,
	}
}

// newCollectorPipeCmd is the hidden subcommand tmux's pipe-pane invokes:
// its stdin is the raw pane output stream, which it forwards to the
// daemon's collector socket prefixed by the pane id line.
func newCollectorPipeCmd() *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:    "collector-pipe <pane-id>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := net.Dial("unix", socketPath)
			if err != nil {
				return fmt.Errorf("dial collector socket: %w", err)
			}
			defer conn.Close()
			if _, err := fmt.Fprintf(conn, "%s\n", args[0]); err != nil {
				return fmt.Errorf("write pane id: %w", err)
			}
			_, err = io.Copy(conn, os.Stdin)
			return err
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "collector socket path")
	_ = cmd.MarkFlagRequired("socket")
	return cmd
}
