package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tcp-clicker/src/config"
	"tcp-clicker/src/control"
	"tcp-clicker/src/coordinator"
	"tcp-clicker/src/gate"
	"tcp-clicker/src/hotkey"
	"tcp-clicker/src/logutil"
	"tcp-clicker/src/matcher"
	"tcp-clicker/src/notification"
	"tcp-clicker/src/runtimeinit"
	"tcp-clicker/src/singleinstance"
	"tcp-clicker/src/snapshot"
	"tcp-clicker/src/tray"
)

const gateCleanupTimeout = 5 * time.Second

type cliOptions struct {
	headless  bool
	noHotkeys bool
	template  string
	threshold float64
	envFile   string

	thresholdSet bool
}

func init() {
	// The tray loop must own the main thread on macOS and Windows.
	runtime.LockOSThread()
}

func main() {
	if err := runWithArgs(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWithArgs(args []string) error {
	if len(args) == 0 {
		args = []string{"tcp-clicker"}
	}
	opts := &cliOptions{}
	cmd := newRootCmd(opts, run)
	cmd.SetArgs(args[1:])
	return cmd.Execute()
}

func newRootCmd(opts *cliOptions, runFn func(cliOptions) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tcp-clicker",
		Short:         "Click a target image on screen while a control server allows it",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.thresholdSet = cmd.Flags().Changed("threshold")
			return runFn(*opts)
		},
	}

	cmd.Flags().BoolVar(&opts.headless, "headless", false, "Connect, run once and exit without a tray icon")
	cmd.Flags().BoolVar(&opts.noHotkeys, "no-hotkeys", false, "Do not register global start/stop hotkeys")
	cmd.Flags().StringVar(&opts.template, "template", "", "Template image to click (overrides TEMPLATE_PATH)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", config.DefaultMatchThreshold, "Match threshold in [0,1] (overrides MATCH_THRESHOLD)")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Load configuration from this file instead of .env")

	return cmd
}

func (o cliOptions) loadOptions() config.LoadOptions {
	lo := config.LoadOptions{
		EnvFileOverride:  o.envFile,
		TemplateOverride: o.template,
	}
	if o.thresholdSet {
		t := o.threshold
		lo.ThresholdOverride = &t
	}
	return lo
}

func run(opts cliOptions) error {
	enableDPIAwareness()

	cfg, err := runtimeinit.Bootstrap(runtimeinit.Options{
		LoadOptions:  opts.loadOptions(),
		SetupLogging: logutil.Setup,
	})
	if err != nil {
		if !opts.headless {
			notification.ShowBlockingError("TCP Clicker", err.Error())
		}
		return err
	}
	logMonitorConfiguration()

	lock, err := singleinstance.Acquire(cfg.LockFile)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	a := newApp(cfg, !opts.headless)
	defer a.close()

	if opts.headless {
		return a.runHeadless()
	}
	return a.runTray(!opts.noHotkeys)
}

// app wires the coordinator to its collaborators and the operator surface.
type app struct {
	cfg   *config.Config
	gate  *gate.Gate
	coord *coordinator.Coordinator
	tray  *tray.Tray
}

func newApp(cfg *config.Config, interactive bool) *app {
	a := &app{
		cfg: cfg,
		gate: &gate.Gate{
			ADBPath:    cfg.ADBPath,
			Serial:     cfg.ADBSerial,
			LocalPort:  cfg.ControlPort,
			RemotePort: cfg.DevicePort,
		},
	}
	snap := &snapshot.Snapshotter{
		SourcePath:       cfg.LogFile,
		BackupDir:        cfg.FailLogDir,
		FallbackEncoding: cfg.LogFallbackEncoding,
	}

	opts := coordinator.Options{
		Addr:          cfg.Addr(),
		DialTimeout:   cfg.ConnectTimeout,
		PollInterval:  cfg.ReadPoll,
		ClickInterval: cfg.ClickInterval,
		Threshold:     cfg.MatchThreshold,
		Gate:          a.gate,
		Match:         matcher.New().MatchAndClick,
		Snapshot:      snap.SnapshotOnFailure,
	}
	if interactive {
		opts.Notify = func(out control.Outcome) {
			notification.ShowWarning("Run stopped", describeOutcome(out))
		}
		a.tray = tray.New(tray.Actions{
			ConnectDevice: a.connectDevice,
			Start:         a.start,
			Stop:          a.coordStop,
		})
		opts.OnStateChange = a.tray.Update
	}
	a.coord = coordinator.New(opts)
	return a
}

func (a *app) connectDevice() {
	if !a.coord.ConnectDevice(context.Background()) {
		if a.tray != nil {
			notification.ShowWarning("Device", "No device found or adb port forward failed. See the log for details.")
		}
	}
}

// start selects the configured template when none is set, then starts a run.
func (a *app) start() {
	if err := a.startRun(context.Background()); err != nil {
		log.Printf("Start failed: %v", err)
		if a.tray != nil {
			notification.ShowWarning("Cannot start", err.Error())
		}
	}
}

func (a *app) startRun(ctx context.Context) error {
	if a.coord.Snapshot().TemplatePath == "" && a.cfg.TemplatePath != "" {
		if err := a.coord.SetTemplate(a.cfg.TemplatePath); err != nil {
			return err
		}
	}
	return a.coord.Start(ctx)
}

func (a *app) coordStop() {
	a.coord.Stop()
}

func (a *app) runHeadless() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !a.coord.ConnectDevice(ctx) {
		return errors.New("device not available (adb devices / forward failed)")
	}
	if err := a.startRun(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Printf("Signal received, stopping run")
		a.coord.Stop()
		return nil
	case <-a.coord.Finished():
	}

	if out := a.coord.Outcome(); out.Failed() {
		return fmt.Errorf("run ended: %s", describeOutcome(out))
	}
	return nil
}

func (a *app) runTray(withHotkeys bool) error {
	if withHotkeys {
		err := hotkey.Listen(
			hotkey.Binding{Combo: a.cfg.HotkeyStart, Callback: a.start},
			hotkey.Binding{Combo: a.cfg.HotkeyStop, Callback: a.coordStop},
		)
		if err != nil {
			log.Printf("Hotkeys disabled: %v", err)
		} else {
			defer hotkey.Stop()
			log.Printf("Hotkeys: start %s, stop %s", a.cfg.HotkeyStart, a.cfg.HotkeyStop)
		}
	}

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Printf("Signal received, quitting")
		a.tray.Quit()
	}()

	a.tray.Update(a.coord.Snapshot())
	a.tray.Run()
	return nil
}

// close stops any active run and removes the adb forward.
func (a *app) close() {
	a.coord.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), gateCleanupTimeout)
	defer cancel()
	a.gate.Remove(ctx)
}

func describeOutcome(out control.Outcome) string {
	switch out.Reason {
	case control.ReasonFail:
		return "The server reported a failure. The log was saved as a fail_log backup."
	case control.ReasonPeerClosed:
		return "The server closed the connection."
	case control.ReasonReadError:
		return fmt.Sprintf("Connection error: %v", out.Err)
	default:
		return "Stopped."
	}
}
