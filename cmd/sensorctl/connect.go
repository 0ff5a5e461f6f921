package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/hub"
	"github.com/srg/sensorlink/internal/relay"
	"github.com/srg/sensorlink/internal/session"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect to a sensor, initialize it and optionally stream data",
	Long: `Connect to a BLE sensor, run the initialization protocol and print its
device information and battery level.

With --stream the data characteristic is subscribed for the given duration
(0 streams until Ctrl+C). Streamed packets can be relayed to a broadcast hub
with --hub-url and captured raw to a file with --capture.`,
	Example: `  sensorctl connect AA:BB:CC:DD:EE:FF
  sensorctl connect AA:BB:CC:DD:EE:FF --stream 30s --hub-url ws://localhost:8080/ws
  sensorctl connect AA:BB:CC:DD:EE:FF --stream 10s --capture eeg.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectSamples     int
	connectBatteryPoll time.Duration
	connectNoInit      bool
	connectStream      time.Duration
	connectStreamSet   bool
	connectHubURL      string
	connectCapture     string
	connectCaptureSize int
)

func init() {
	connectCmd.Flags().IntVar(&connectSamples, "samples", 0, "Samples per package, 1..99 (default from config)")
	connectCmd.Flags().DurationVar(&connectBatteryPoll, "battery-poll", 0, "Battery poll interval (default from config)")
	connectCmd.Flags().BoolVar(&connectNoInit, "no-init", false, "Skip the initialization protocol")
	connectCmd.Flags().DurationVar(&connectStream, "stream", 0, "Stream data for this long (0 until Ctrl+C)")
	connectCmd.Flags().StringVar(&connectHubURL, "hub-url", "", "Relay streamed data to this hub (overrides hub.url)")
	connectCmd.Flags().StringVar(&connectCapture, "capture", "", "Write raw streamed bytes to this file")
	connectCmd.Flags().IntVar(&connectCaptureSize, "capture-size", 1<<20, "Capture buffer size in bytes")
}

func runConnect(cmd *cobra.Command, args []string) error {
	connectStreamSet = cmd.Flags().Changed("stream")
	if connectCaptureSize <= 0 {
		return fmt.Errorf("invalid capture size %d: must be positive", connectCaptureSize)
	}
	if connectNoInit && connectStreamSet {
		return errors.New("--stream requires an initialized sensor and cannot be combined with --no-init")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	cmd.SilenceUsage = true

	samples := connectSamples
	if samples == 0 {
		samples = a.cfg.Session.SamplesPerPackage
	}
	batteryPoll := connectBatteryPoll
	if batteryPoll <= 0 {
		batteryPoll = a.cfg.Session.BatteryPollInterval
	}

	s, err := a.registry.Session(args[0])
	if err != nil {
		return err
	}

	stopStates := s.OnStateChanged(func(state device.State) {
		a.logger.WithFields(logrus.Fields{
			"address": s.Address(),
			"state":   state,
		}).Info("Sensor state changed")
	})
	defer stopStates()
	stopErrors := s.OnError(func(msg string) {
		a.logger.WithField("address", s.Address()).Warn(msg)
	})
	defer stopErrors()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if !s.Connect(ctx) {
		return fmt.Errorf("%w: %s", ErrConnectFailed, s.Address())
	}
	defer func() {
		if !s.Disconnect(context.Background()) {
			a.logger.WithField("address", s.Address()).Warn("Disconnect was not confirmed")
		}
	}()
	printf(a.out, "Connected to %s: %s\n", s.Device().DisplayName(), stateColor(a.out, s.State()))

	if !connectNoInit {
		if !s.Init(ctx, samples, batteryPoll) {
			return fmt.Errorf("%w: %s", ErrInitFailed, s.Address())
		}
	}

	printDeviceInfo(ctx, a.out, s, a.logger)

	if !connectStreamSet {
		return nil
	}
	return stream(ctx, a, s, connectStream)
}

func printDeviceInfo(ctx context.Context, out io.Writer, s *session.Session, logger *logrus.Logger) {
	// device info is only served by an initialized session
	if s.Initialized() {
		info, err := s.DeviceInfo(ctx)
		if err != nil {
			logger.WithError(err).Warn("Device information unavailable")
		} else {
			printf(out, "Device:   %s\n", info.DeviceName)
			printf(out, "Model:    %s\n", info.ModelName)
			printf(out, "Hardware: %s\n", info.HardwareVersion)
			printf(out, "Firmware: %s\n", info.FirmwareVersion)
			printf(out, "MTU:      %d\n", info.MTUSize)
			printf(out, "Channels: EEG=%d ECG=%d IMU=%d RESP=%d\n",
				info.EEGChannelCount, info.ECGChannelCount, info.AccChannelCount, info.BrthChannelCount)
		}
	}

	level, err := s.Battery(ctx)
	if err != nil {
		logger.WithError(err).Warn("Battery level unavailable")
		return
	}
	printf(out, "Battery:  %d%%\n", level)
}

// stream subscribes to sensor data for d (0 until ctx ends), relaying it to
// the hub and capturing it when configured.
func stream(ctx context.Context, a *app, s *session.Session, d time.Duration) error {
	var packets, bytes atomic.Uint64
	stopCount := s.OnData(func(data device.SensorData) {
		packets.Add(1)
		bytes.Add(uint64(len(data.Raw)))
	})
	defer stopCount()

	var capture *relay.Capture
	if connectCapture != "" {
		capture = relay.NewCapture(connectCaptureSize, a.logger)
		capture.Attach(s)
		defer capture.Detach()
	}

	url := connectHubURL
	if url == "" {
		url = a.cfg.Hub.URL
	}
	var rl *relay.Relay
	if url != "" {
		var client *hub.Client
		var err error
		client, rl, err = openRelay(ctx, a, s, url)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	if !s.StartNotify(ctx) {
		if rl != nil {
			_ = rl.Stop()
		}
		return fmt.Errorf("%w: %s", ErrStreamFailed, s.Address())
	}
	printf(a.out, "Streaming from %s...\n", s.Address())

	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	if !s.StopNotify(context.Background()) {
		a.logger.WithField("address", s.Address()).Warn("Data transfer still running after stop")
	}
	printf(a.out, "Received %d packets (%d bytes)\n", packets.Load(), bytes.Load())

	if rl != nil {
		if err := rl.Stop(); err != nil {
			a.logger.WithError(err).Warn("Relay stop failed")
		}
		m := rl.Metrics()
		printf(a.out, "Relayed %d records (%d overwritten, %d errors)\n",
			m.RecordsForwarded, m.RecordsOverwritten, m.ErrorsOccurred)
	}

	if capture != nil {
		capture.Detach()
		if err := writeCapture(connectCapture, capture); err != nil {
			return err
		}
		printf(a.out, "Captured %d bytes to %s (%d dropped)\n", capture.Written(), connectCapture, capture.Dropped())
	}
	return nil
}

// openRelay registers with the hub at url and starts relaying s to it.
func openRelay(ctx context.Context, a *app, s *session.Session, url string) (*hub.Client, *relay.Relay, error) {
	opts, err := hubOptions(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	opts.URL = url

	client := hub.New(opts, a.logger)
	if err := client.Open(ctx); err != nil {
		return nil, nil, err
	}

	regCtx, cancel := context.WithTimeout(ctx, opts.CommandTimeout)
	defer cancel()
	group, err := client.WaitRegistered(regCtx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("hub registration: %w", err)
	}
	a.logger.WithField("group", group).Debug("Relay registered with hub")

	rl, err := relay.New(s, client, a.cfg.Hub.RelayBuffer, a.logger)
	if err == nil {
		err = rl.Start()
	}
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, rl, nil
}

func writeCapture(path string, capture *relay.Capture) error {
	//nolint:gosec // path is user-provided output file
	if err := os.WriteFile(path, capture.Drain(), 0o644); err != nil {
		return fmt.Errorf("failed to write capture %s: %w", path, err)
	}
	return nil
}
