package session

import (
	"context"
	"time"

	"github.com/srg/sensorlink/internal/device"
)

// StartNotify starts data notifications. It requires Ready and an initialized
// session and returns the transport's transferring flag after the call.
func (s *Session) StartNotify(ctx context.Context) bool {
	if !s.streamable("start notify") {
		return false
	}

	ok, err := coalesce(ctx, s, opStartNotify, func(ctx context.Context) (bool, error) {
		epoch := s.currentEpoch()
		callCtx, cancel := s.callContext()
		defer cancel()

		if _, err := s.transport.StartNotify(callCtx, s.dev.Address); err != nil {
			return false, s.opFailed(opStartNotify.String(), err)
		}
		transferring := s.transport.IsTransferring(s.dev.Address)

		if err := s.commit(epoch, func() { s.transferring = transferring }); err != nil {
			s.log().WithField("op", opStartNotify).Warn("Result discarded: link reset")
			return false, err
		}
		return transferring, nil
	})
	return err == nil && ok
}

// StopNotify stops data notifications. The result reports whether the stop
// took effect, that is, the negation of the transferring flag after the call.
func (s *Session) StopNotify(ctx context.Context) bool {
	if !s.streamable("stop notify") {
		return false
	}

	ok, err := coalesce(ctx, s, opStopNotify, func(ctx context.Context) (bool, error) {
		epoch := s.currentEpoch()
		callCtx, cancel := s.callContext()
		defer cancel()

		if _, err := s.transport.StopNotify(callCtx, s.dev.Address); err != nil {
			return false, s.opFailed(opStopNotify.String(), err)
		}
		transferring := s.transport.IsTransferring(s.dev.Address)

		if err := s.commit(epoch, func() { s.transferring = transferring }); err != nil {
			s.log().WithField("op", opStopNotify).Warn("Result discarded: link reset")
			return false, err
		}
		return !transferring, nil
	})
	return err == nil && ok
}

func (s *Session) streamable(op string) bool {
	log := s.log().WithField("op", op)
	if state := s.State(); state != device.Ready {
		log.WithField("state", state).Warn("Rejected: device not ready")
		return false
	}
	if !s.Initialized() {
		log.Warn("Rejected: session not initialized")
		return false
	}
	return true
}

// Battery performs a fresh battery read. It requires Ready.
func (s *Session) Battery(ctx context.Context) (int, error) {
	if state := s.State(); state != device.Ready {
		s.log().WithField("state", state).Warn("Battery read rejected: device not ready")
		return -1, device.ErrNotReady
	}

	return coalesce(ctx, s, opBattery, s.readBattery)
}

func (s *Session) readBattery(ctx context.Context) (int, error) {
	epoch := s.currentEpoch()
	callCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	level, err := s.transport.GetBattery(callCtx, s.dev.Address)
	if err != nil {
		return -1, s.opFailed(opBattery.String(), err)
	}

	if err := s.commit(epoch, func() { s.battery = level }); err != nil {
		return -1, err
	}
	s.batteryObs.Notify(level)
	return level, nil
}

// DeviceInfo returns the device info record. It requires Ready and an
// initialized session. A cached record is returned without a physical call;
// channel counts always reflect the current init results.
func (s *Session) DeviceInfo(ctx context.Context) (*device.DeviceInfo, error) {
	if state := s.State(); state != device.Ready {
		s.log().WithField("state", state).Warn("Device info rejected: device not ready")
		return nil, device.ErrNotReady
	}
	if !s.Initialized() {
		s.log().Warn("Device info rejected: session not initialized")
		return nil, device.ErrNotInitialized
	}

	if info := s.CachedDeviceInfo(); info != nil {
		return s.withCounts(info), nil
	}

	info, err := coalesce(ctx, s, opDeviceInfo, func(ctx context.Context) (*device.DeviceInfo, error) {
		epoch := s.currentEpoch()
		callCtx, cancel := s.callContext()
		defer cancel()

		info, err := s.transport.GetDeviceInfo(callCtx, s.dev.Address, false)
		if err != nil {
			return nil, s.opFailed(opDeviceInfo.String(), err)
		}
		if info == nil {
			return nil, s.opFailed(opDeviceInfo.String(), device.ErrNotReady)
		}

		if err := s.commit(epoch, func() { s.deviceInfo = info.Clone() }); err != nil {
			return nil, err
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return s.withCounts(info.Clone()), nil
}

func (s *Session) withCounts(info *device.DeviceInfo) *device.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info.EEGChannelCount = s.channelCounts[device.EEG]
	info.ECGChannelCount = s.channelCounts[device.ECG]
	info.BrthChannelCount = s.channelCounts[device.Respiration]
	// IMU channels carry both accelerometer and gyroscope samples
	info.AccChannelCount = s.channelCounts[device.IMU]
	info.GyroChannelCount = s.channelCounts[device.IMU]
	return info
}

// SetParam writes a device parameter and returns the device's reply. It requires Ready.
func (s *Session) SetParam(ctx context.Context, key, value string) (string, error) {
	if state := s.State(); state != device.Ready {
		s.log().WithField("state", state).Warn("Set param rejected: device not ready")
		return "", device.ErrNotReady
	}
	if key == "" {
		return "", device.ErrInvalidParameter
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	reply, err := s.transport.SetParam(callCtx, s.dev.Address, key, value)
	if err != nil {
		return "", s.opFailed("set-param", err)
	}
	return reply, nil
}

// opFailed normalizes err, logs it and forwards it to error observers.
func (s *Session) opFailed(op string, err error) error {
	err = device.NormalizeError(err)
	s.log().WithError(err).WithField("op", op).Warn("Operation failed")
	s.reportError(err)
	return err
}

// startBatteryPoll reads the battery every interval until stopped. A poll
// that is already running is left alone.
func (s *Session) startBatteryPoll(interval time.Duration) {
	s.mu.Lock()
	if s.batteryCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.batteryCancel = cancel
	s.mu.Unlock()

	s.schedule("battery-poll", func(context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.State() != device.Ready {
					continue
				}
				if _, err := coalesce(ctx, s, opBattery, s.readBattery); err != nil {
					s.log().WithError(err).Debug("Battery poll failed")
				}
			}
		}
	})
}

func (s *Session) stopBatteryPoll() {
	s.mu.Lock()
	cancel := s.batteryCancel
	s.batteryCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// BatteryPolling reports whether the battery poll is running.
func (s *Session) BatteryPolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batteryCancel != nil
}
