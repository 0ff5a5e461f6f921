package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/device/goble"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/hub"
	"github.com/srg/sensorlink/internal/registry"
	"github.com/srg/sensorlink/internal/session"
	"github.com/srg/sensorlink/pkg/config"
	"golang.org/x/term"
)

// transportFactory builds the BLE transport. Tests replace it with a fake.
var transportFactory = func(cfg *config.Config, logger *logrus.Logger) device.Transport {
	return goble.New(goble.Options{
		DataService:        cfg.Transport.DataService,
		DataCharacteristic: cfg.Transport.DataCharacteristic,
		ConnectTimeout:     cfg.Transport.ConnectTimeout,
		RequestMTU:         cfg.Transport.RequestMTU,
		EventBuffer:        cfg.Transport.EventBuffer,
	}, logger)
}

// hubDialer opens hub connections; nil selects the websocket dialer.
var hubDialer hub.Dialer

// app bundles the per-invocation runtime: configuration, logger, transport
// and the registry dispatching its events.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport device.Transport
	registry  *registry.Registry
	out       io.Writer

	cancel context.CancelFunc
	done   chan struct{}
}

// loadConfig reads --config when given, defaults otherwise.
func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// newLogger configures logging from flags, falling back to the configured
// level only when a config file was given.
func newLogger(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	fallback := logrus.PanicLevel
	if fromFile {
		fallback = cfg.LogLevel
	}
	logger, err := configureLogger(cmd, "verbose", fallback)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newApp builds the runtime and starts event dispatch. Callers must close it.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}

	transport := transportFactory(cfg, logger)
	reg := registry.New(transport, nil, registryOptions(cfg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	a := &app{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		registry:  reg,
		out:       cmd.OutOrStdout(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	groutine.Go(ctx, "registry-run", func(ctx context.Context) {
		defer close(a.done)
		if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Registry stopped")
		}
	})
	return a, nil
}

// close stops dispatch and releases the transport.
func (a *app) close() {
	if counter, ok := a.transport.(interface{ Dropped() int64 }); ok {
		if n := counter.Dropped(); n > 0 {
			a.logger.WithField("dropped", n).Warn("Transport events were overwritten before delivery")
		}
	}
	if closer, ok := a.transport.(interface{ Close() }); ok {
		closer.Close()
	}
	a.cancel()
	<-a.done
}

func registryOptions(cfg *config.Config) registry.Options {
	s := cfg.Session
	return registry.Options{
		Session: session.Options{
			OperationTimeout:   s.OperationTimeout,
			WatchdogInterval:   s.WatchdogInterval,
			InitAttempts:       s.InitAttempts,
			InitRetryDelay:     s.InitRetryDelay,
			MinMTU:             s.MinMTU,
			DisconnectRetries:  s.DisconnectRetries,
			ConnectedIsReady:   s.ConnectedIsReady,
			ConnectedIsTimeout: s.ConnectedIsTimeout,
			FeatureBits:        s.FeatureBits,
		},
		RejectConcurrentScan: cfg.Scan.RejectConcurrent,
	}
}

func hubOptions(cfg *config.Config) (hub.Options, error) {
	codec, err := hub.CodecByName(cfg.Hub.Codec)
	if err != nil {
		return hub.Options{}, err
	}
	return hub.Options{
		URL:            cfg.Hub.URL,
		AppType:        cfg.Hub.AppType,
		DeviceID:       cfg.Hub.DeviceID,
		Codec:          codec,
		CommandTimeout: cfg.Hub.CommandTimeout,
		RegisterRetry:  cfg.Hub.RegisterRetry,
		Dialer:         hubDialer,
	}, nil
}

// signalContext is cancelled by Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// colorEnabled reports whether w is an interactive terminal.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// stateColor renders a link state for w.
func stateColor(w io.Writer, s device.State) string {
	var c *color.Color
	switch s {
	case device.Ready:
		c = color.New(color.FgGreen, color.Bold)
	case device.Connected, device.Connecting:
		c = color.New(color.FgYellow)
	case device.Disconnecting:
		c = color.New(color.FgMagenta)
	default:
		c = color.New(color.FgRed)
	}
	if colorEnabled(w) {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s.String())
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
