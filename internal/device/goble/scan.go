package goble

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/groutine"
)

// StartScan starts discovery. Every period the devices seen since the last
// report are published as one DeviceListEvent and the result set is cleared.
// A running scan is restarted with the new period.
func (t *Transport) StartScan(_ context.Context, period time.Duration) (bool, error) {
	if period <= 0 {
		return false, device.ErrInvalidParameter
	}

	dev, err := t.hostDevice()
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	if t.scanCancel != nil {
		t.scanCancel()
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	t.scanGen++
	gen := t.scanGen
	t.scanCancel = cancel
	t.seen = make(map[string]device.BLEDevice)
	t.mu.Unlock()

	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			t.observe(ctx, adv)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.WithError(NormalizeError(err)).Error("BLE scan failed")
			t.publish(device.ErrorEvent{Message: err.Error()})
			t.stopScan(gen)
		}
	})

	groutine.Go(scanCtx, "ble-scan-report", func(ctx context.Context) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.report(ctx)
			}
		}
	})

	t.logger.WithField("period", period).Info("BLE scan started")
	return true, nil
}

// StopScan stops discovery. Stopping an idle scanner is a no-op.
func (t *Transport) StopScan(context.Context) error {
	t.mu.Lock()
	gen, running := t.scanGen, t.scanCancel != nil
	t.mu.Unlock()

	if running {
		t.stopScan(gen)
		t.logger.Info("BLE scan stopped")
	}
	return nil
}

// stopScan stops scan generation gen unless a newer scan replaced it.
func (t *Transport) stopScan(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scanGen != gen || t.scanCancel == nil {
		return
	}
	t.scanCancel()
	t.scanCancel = nil
	t.seen = nil
}

// IsScanning reports whether discovery is running.
func (t *Transport) IsScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanCancel != nil
}

func (t *Transport) observe(ctx context.Context, adv ble.Advertisement) {
	if ctx.Err() != nil || adv.Addr() == nil {
		return
	}

	d := device.BLEDevice{
		Name:    adv.LocalName(),
		Address: adv.Addr().String(),
		RSSI:    adv.RSSI(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		return
	}
	if prev, ok := t.seen[d.Address]; ok && d.Name == "" {
		d.Name = prev.Name
	}
	t.seen[d.Address] = d
}

func (t *Transport) report(ctx context.Context) {
	t.mu.Lock()
	if ctx.Err() != nil || t.seen == nil {
		t.mu.Unlock()
		return
	}
	devices := make([]device.BLEDevice, 0, len(t.seen))
	for _, d := range t.seen {
		devices = append(devices, d)
	}
	t.seen = make(map[string]device.BLEDevice)
	t.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})

	t.logger.WithFields(logrus.Fields{
		"devices": len(devices),
	}).Debug("Scan period elapsed")
	t.publish(device.DeviceListEvent{Devices: devices})
}
