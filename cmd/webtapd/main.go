// webtapd is the Browser Debug Gateway daemon: it attaches to a Chrome
// instance's DevTools endpoint over one multiplexed WebSocket, records
// every protocol event per attached target, and exposes opaque CDP
// forwarding plus target/watch management to RPC clients. This binary only
// hosts the daemon lifecycle (start/stop/status) and the hidden foreground
// entrypoint; the browser extension and the query front-end live elsewhere.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tapdaemon/taptools/internal/browser"
	"github.com/tapdaemon/taptools/internal/daemoncore"
	"github.com/tapdaemon/taptools/internal/eventlog"
	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/rpcserver"
	"github.com/tapdaemon/taptools/internal/sessionmux"
	"github.com/tapdaemon/taptools/internal/webtarget"
)

const toolName = "webtapd"

// endpointCallTimeout bounds the endpoint-level setup calls issued during
// daemon startup (discover toggle, initial attach sweep).
const endpointCallTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	runtimeDir string
	configFile string
	verbose    bool
	port       int
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           toolName,
		Short:         "Browser debug gateway daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logx.SetVerbose(flags.verbose)
		},
	}
	root.PersistentFlags().StringVar(&flags.runtimeDir, "runtime-dir", "", "override the per-user runtime directory")
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (default: $HOME/.config/taptools/webtapd.toml)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().IntVar(&flags.port, "port", 9222, "browser HTTP debug port")

	root.AddCommand(newStartCmd(&flags))
	root.AddCommand(newStopCmd(&flags))
	root.AddCommand(newStatusCmd(&flags))
	root.AddCommand(newRunCmd(&flags))
	return root
}

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

			runArgs := []string{"run", "--runtime-dir", cfg.RuntimeDir, "--port", fmt.Sprint(flags.port)}
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
			return runDaemon(cmd.Context(), cfg, flags.port)
		},
	}
}

// runDaemon wires the browser variant together: event log, watch set,
// lifecycle manager, endpoint transport, session mux, RPC registration,
// then the shared daemon run loop.
func runDaemon(ctx context.Context, cfg daemoncore.Config, port int) error {
	if err := cfg.EnsureRuntimeDir(); err != nil {
		return err
	}
	log := logx.New(toolName)

	registry := rpcserver.NewRegistry()
	var snapshotHook func()
	d, err := daemoncore.New(cfg, registry, func(method string, params json.RawMessage, result any) {
		if snapshotHook != nil {
			snapshotHook()
		}
	})
	if err != nil {
		return err
	}

	elog, err := eventlog.Open()
	if err != nil {
		return err
	}

	watch := webtarget.LoadWatchSet(filepath.Join(cfg.RuntimeDir, "targets.yaml"))
	notices := webtarget.NewNotices()
	lc := webtarget.New(watch, notices, nil, nil, func(targetID string) {
		if snapshotHook != nil {
			snapshotHook()
		}
	})

	httpBase := fmt.Sprintf("http://127.0.0.1:%d", port)
	wsURL, err := browser.BrowserWebSocketURL(ctx, httpBase)
	if err != nil {
		return fmt.Errorf("browser endpoint at %s: %w", httpBase, err)
	}
	transport, err := sessionmux.DialWebSocketWithRetry(ctx, wsURL)
	if err != nil {
		return err
	}

	mgr := browser.New(port, httpBase, transport, elog, lc)
	lc.SetAttacher(mgr)
	lc.SetReenabler(mgr)
	browser.Register(registry, mgr, watch, notices)
	snapshotHook = func() {
		d.Broadcaster.Enqueue(buildSnapshot(mgr, watch, notices))
	}

	// Ask the browser for target lifecycle events, then attach anything
	// already open that the watch set selects.
	if _, err := mgr.Mux().Execute(ctx, "", "Target.setDiscoverTargets", map[string]any{"discover": true}, endpointCallTimeout); err != nil {
		log.Errorf("setDiscoverTargets: %v", err)
	}
	if pages, err := browser.ListPages(ctx, httpBase); err == nil {
		for _, p := range pages {
			if !watch.IsWatchedID(p.ID) && !watch.IsWatchedURL(p.URL) {
				continue
			}
			info := webtarget.Info{TargetID: p.ID, URL: p.URL, Title: p.Title, Type: p.Type}
			if err := mgr.Attach(ctx, info); err != nil {
				log.Errorf("attach %s: %v", p.ID, err)
			}
		}
	}

	d.RegisterTeardown(elog.Close)
	d.RegisterTeardown(mgr.Close)

	return d.Run(ctx)
}

// snapshotEvent is the browser variant's periodic snapshot: per-target
// summaries (including the fetch/inspection flags), the watch set, and any
// pending notices.
type snapshotEvent struct {
	Type        string             `json:"type"`
	Targets     []browser.Snapshot `json:"targets"`
	WatchedIDs  []string           `json:"watched_ids"`
	WatchedURLs []string           `json:"watched_urls"`
	Notices     []webtarget.Notice `json:"notices"`
}

func buildSnapshot(mgr *browser.Manager, watch *webtarget.WatchSet, notices *webtarget.Notices) snapshotEvent {
	targets := mgr.All()
	snaps := make([]browser.Snapshot, len(targets))
	for i, t := range targets {
		snaps[i] = t.Snapshot()
	}
	ids, urls := watch.Snapshot()
	return snapshotEvent{
		Type:        "snapshot",
		Targets:     snaps,
		WatchedIDs:  ids,
		WatchedURLs: urls,
		Notices:     notices.All(),
	}
}
