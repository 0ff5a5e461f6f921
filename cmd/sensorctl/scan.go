package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/registry"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE sensors",
	Long: `Scan for nearby Bluetooth Low Energy sensors and print the first
device list reported by the transport.

The scan period is clamped to 6s..30s.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
)

// scanGrace is how long to wait past the period for the device list.
const scanGrace = 2 * time.Second

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan period (default from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Print every device discovered so far, not just the last period")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	period := scanDuration
	if period <= 0 {
		period = a.cfg.Scan.Period
	}
	period = registry.ClampScanPeriod(period)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	waitCtx, cancelWait := context.WithTimeout(ctx, period+scanGrace)
	defer cancelWait()

	lists := make(chan []device.BLEDevice, 1)
	unsubscribe := a.registry.OnDeviceList(func(devices []device.BLEDevice) {
		select {
		case lists <- devices:
		default:
		}
	})
	defer unsubscribe()

	started, err := a.registry.StartScan(ctx, period)
	if err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	if !started {
		return errors.New("failed to start scan: transport refused the request")
	}
	defer func() {
		if err := a.registry.StopScan(context.Background()); err != nil {
			a.logger.WithError(err).Warn("Failed to stop scan")
		}
	}()

	var devices []device.BLEDevice
	select {
	case devices = <-lists:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return context.Canceled
		}
		a.logger.WithField("period", period).Debug("No device list before deadline")
	}

	if scanAll {
		devices = a.registry.Discovered()
	}
	if len(devices) == 0 {
		return ErrNoDevices
	}

	slices.SortFunc(devices, func(x, y device.BLEDevice) int {
		if c := y.RSSI - x.RSSI; c != 0 {
			return c
		}
		return strings.Compare(x.Address, y.Address)
	})

	if scanFormat == "json" {
		return displayDevicesJSON(a.out, devices)
	}
	return displayDevicesTable(a.out, devices)
}

func displayDevicesTable(out io.Writer, devices []device.BLEDevice) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	fmt.Fprintln(w, strings.Repeat("-", 48))

	for _, d := range devices {
		name := d.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", name, d.Address, d.RSSI)
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []device.BLEDevice) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
