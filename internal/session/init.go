package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/backoff"
	"github.com/srg/sensorlink/internal/device"
)

// Init runs the device initialization protocol: start the battery poll,
// probe the feature mask, fetch device info until the MTU is negotiated,
// initialize every channel kind the mask advertises and commit the transfer.
//
// It is legal only in Ready on a session that is not yet initialized, with
// samplesPerPackage in MinSamplesPerPackage..MaxSamplesPerPackage and a
// positive battery poll interval. Violations return false without any
// physical call.
func (s *Session) Init(ctx context.Context, samplesPerPackage int, batteryPoll time.Duration) bool {
	log := s.log().WithField("op", opInit)

	if samplesPerPackage < MinSamplesPerPackage || samplesPerPackage > MaxSamplesPerPackage {
		log.WithField("samples", samplesPerPackage).Warn("Init rejected: sample count out of range")
		return false
	}
	if batteryPoll <= 0 {
		log.WithField("interval", batteryPoll).Warn("Init rejected: battery poll interval must be positive")
		return false
	}
	if state := s.State(); state != device.Ready {
		log.WithField("state", state).Warn("Init rejected: device not ready")
		return false
	}
	if s.Initialized() {
		log.Warn("Init rejected: already initialized")
		return false
	}

	ok, err := coalesce(ctx, s, opInit, func(ctx context.Context) (bool, error) {
		return s.doInit(ctx, samplesPerPackage, batteryPoll), nil
	})
	if err != nil {
		log.WithError(err).Debug("Init wait abandoned")
		return false
	}
	return ok
}

func (s *Session) doInit(ctx context.Context, samples int, batteryPoll time.Duration) bool {
	addr := s.dev.Address
	log := s.log().WithField("op", opInit)
	epoch := s.currentEpoch()

	s.startBatteryPoll(batteryPoll)

	mask, err := retry(ctx, s, "probe feature mask", func(ctx context.Context) (device.FeatureMask, bool, error) {
		m, err := s.transport.InitTransfer(ctx, addr, true)
		return m, m != 0, err
	})
	if err != nil {
		return s.failInit(err, 0)
	}
	if err := s.commit(epoch, func() { s.featureMask = mask }); err != nil {
		return s.failInit(err, mask)
	}
	log.WithField("mask", fmt.Sprintf("0x%x", uint32(mask))).Debug("Feature mask probed")

	if _, err := s.fetchDeviceInfo(ctx, true); err != nil {
		return s.failInit(err, mask)
	}
	info, err := s.fetchDeviceInfo(ctx, false)
	if err != nil {
		return s.failInit(err, mask)
	}
	if err := s.commit(epoch, func() { s.deviceInfo = info }); err != nil {
		return s.failInit(err, mask)
	}

	counts := make(map[device.ChannelKind]int, len(device.ChannelKinds))
	total := 0
	for _, kind := range device.ChannelKinds {
		if !mask.Has(s.opts.FeatureBits.Bit(kind)) {
			continue
		}

		n, err := retry(ctx, s, "init "+kind.String()+" channel", func(ctx context.Context) (int, bool, error) {
			n, err := s.transport.InitChannel(ctx, addr, kind, samples)
			return n, n > 0, err
		})
		if err != nil {
			log.WithError(err).WithField("kind", kind).Warn("Channel init failed")
			n = 0
		}
		counts[kind] = n
		total += n
	}

	if total == 0 {
		_ = s.commit(epoch, func() {
			s.featureMask = 0
			s.transferring = false
			s.channelCounts = make(map[device.ChannelKind]int)
		})
		return s.failInit(fmt.Errorf("no channels available for mask 0x%x", uint32(mask)), mask)
	}

	if err := s.commit(epoch, func() { s.channelCounts = counts }); err != nil {
		return s.failInit(err, mask)
	}

	if _, err := retry(ctx, s, "commit transfer", func(ctx context.Context) (device.FeatureMask, bool, error) {
		flag, err := s.transport.InitTransfer(ctx, addr, false)
		return flag, flag > 0, err
	}); err != nil {
		return s.failInit(err, mask)
	}

	if err := s.commit(epoch, func() { s.initialized = true }); err != nil {
		return s.failInit(err, mask)
	}

	log.WithFields(logrus.Fields{
		"eeg":  counts[device.EEG],
		"ecg":  counts[device.ECG],
		"imu":  counts[device.IMU],
		"brth": counts[device.Respiration],
	}).Info("Initialized")
	return true
}

func (s *Session) fetchDeviceInfo(ctx context.Context, quickOnly bool) (*device.DeviceInfo, error) {
	step := "fetch full device info"
	if quickOnly {
		step = "fetch quick device info"
	}
	return retry(ctx, s, step, func(ctx context.Context) (*device.DeviceInfo, bool, error) {
		info, err := s.transport.GetDeviceInfo(ctx, s.dev.Address, quickOnly)
		return info, info != nil && info.MTUSize >= s.opts.MinMTU, err
	})
}

// failInit stops the battery poll and, when no feature mask was ever
// obtained, schedules a disconnect since the link itself is suspect. An init
// overtaken by a reset leaves the link alone.
func (s *Session) failInit(err error, mask device.FeatureMask) bool {
	s.log().WithError(err).Error("Init failed")
	s.reportError(err)
	s.stopBatteryPoll()

	if mask == 0 && !errors.Is(err, ErrLinkReset) && s.context().Err() == nil {
		s.schedule("init-cleanup", func(ctx context.Context) {
			s.disconnect(ctx, true)
		})
	}
	return false
}

// retry calls fn up to Options.InitAttempts times until it reports ok,
// pausing Options.InitRetryDelay between attempts. Each attempt is bounded
// by Options.OperationTimeout.
func retry[T any](ctx context.Context, s *Session, step string, fn func(ctx context.Context) (T, bool, error)) (T, error) {
	b := backoff.Fixed(s.opts.InitRetryDelay)

	var (
		last    T
		lastErr error
	)
	for attempt := 1; attempt <= s.opts.InitAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
		v, ok, err := fn(callCtx)
		cancel()
		if err == nil && ok {
			return v, nil
		}

		last, lastErr = v, err
		s.log().WithFields(logrus.Fields{
			"step":    step,
			"attempt": attempt,
			"error":   err,
		}).Debug("Init step not satisfied")

		if attempt == s.opts.InitAttempts {
			break
		}
		if err := b.Wait(ctx); err != nil {
			return last, fmt.Errorf("%s: %w", step, err)
		}
	}

	if lastErr != nil {
		return last, fmt.Errorf("%s: %w: %w", step, ErrRetriesExhausted, device.NormalizeError(lastErr))
	}
	return last, fmt.Errorf("%s: %w", step, ErrRetriesExhausted)
}
