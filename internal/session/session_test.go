package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testAddress = "AA:BB:CC:DD:EE:01"

type SessionTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	fake   *testutils.FakeTransport
	clock  *testutils.FakeClock
	opts   Options
}

func (suite *SessionTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.fake = testutils.NewFakeTransport()
	suite.clock = testutils.NewFakeClock()
	suite.opts = Options{
		OperationTimeout: 10 * time.Second,
		Now:              suite.clock.Now,
	}
}

// newSession builds a session over the suite fake with events pumped into it.
func (suite *SessionTestSuite) newSession() *Session {
	s := New(device.BLEDevice{Name: "BioSense", Address: testAddress}, suite.fake, suite.opts, suite.helper.Logger)
	suite.helper.Pump(suite.fake, testAddress, s)
	return s
}

// readySession returns a connected and initialized session.
func (suite *SessionTestSuite) readySession() *Session {
	s := suite.newSession()
	suite.Require().True(s.Connect(context.Background()), "connect MUST succeed")
	suite.Require().True(s.Init(context.Background(), 10, time.Minute), "init MUST succeed")
	return s
}

func (suite *SessionTestSuite) waiters(s *Session, kind opKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[kind]
}

func (suite *SessionTestSuite) connectAcked(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectAcked
}

// runConcurrently starts n calls of fn and returns a channel with their results.
func runConcurrently[T any](n int, fn func() T) <-chan T {
	results := make(chan T, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- fn()
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func (suite *SessionTestSuite) TestConnect_CoalescesConcurrentCallers() {
	// GOAL: Verify concurrent connects share one physical call and one result
	//
	// TEST SCENARIO: 5 callers connect while the physical call is blocked → release → 1 call, all true

	release := make(chan struct{})
	suite.fake.ConnectFunc = func(ctx context.Context, address string) (bool, error) {
		suite.fake.SetState(address, device.Connecting)
		<-release
		suite.fake.Transition(address, device.Ready)
		return true, nil
	}
	s := suite.newSession()

	const callers = 5
	results := runConcurrently(callers, func() bool { return s.Connect(context.Background()) })

	suite.Eventually(func() bool { return suite.waiters(s, opConnect) == callers },
		time.Second, time.Millisecond, "all callers MUST join the flight")
	close(release)

	count := 0
	for ok := range results {
		suite.True(ok, "every caller MUST receive the shared result")
		count++
	}
	suite.Equal(callers, count)
	suite.Equal(1, suite.fake.Calls(testutils.CallConnect), "exactly one physical connect MUST be issued")
}

func (suite *SessionTestSuite) TestConnect_IdempotentWhenReady() {
	// GOAL: Verify connect on a Ready device succeeds without a physical call

	suite.fake.SetState(testAddress, device.Ready)
	s := suite.newSession()

	suite.True(s.Connect(context.Background()))
	suite.Equal(0, suite.fake.Calls(testutils.CallConnect))
}

func (suite *SessionTestSuite) TestConnect_ConnectedIsReadyOption() {
	// GOAL: Verify Connected satisfies the fast path only when configured

	suite.opts.ConnectedIsReady = true
	suite.fake.SetState(testAddress, device.Connected)
	s := suite.newSession()

	suite.True(s.Connect(context.Background()))
	suite.Equal(0, suite.fake.Calls(testutils.CallConnect))
}

func (suite *SessionTestSuite) TestDisconnect_IdempotentWhenDisconnected() {
	// GOAL: Verify disconnect on a Disconnected device succeeds without a physical call

	s := suite.newSession()

	suite.True(s.Disconnect(context.Background()))
	suite.Equal(0, suite.fake.Calls(testutils.CallDisconnect))
}

func (suite *SessionTestSuite) TestConnect_FailedCallSchedulesCleanup() {
	// GOAL: Verify a rejected physical connect resolves false and cleans up the link
	//
	// TEST SCENARIO: connect call errors with state left Connecting → false → cleanup disconnect issued

	suite.fake.ConnectFunc = func(ctx context.Context, address string) (bool, error) {
		suite.fake.SetState(address, device.Connecting)
		return false, errors.New("connection failed")
	}
	s := suite.newSession()

	var reported []string
	var mu sync.Mutex
	s.OnError(func(msg string) {
		mu.Lock()
		reported = append(reported, msg)
		mu.Unlock()
	})

	suite.False(s.Connect(context.Background()))
	suite.Eventually(func() bool { return suite.fake.Calls(testutils.CallDisconnect) == 1 },
		time.Second, time.Millisecond, "cleanup disconnect MUST be issued")

	mu.Lock()
	defer mu.Unlock()
	suite.Contains(reported, "connection failed", "transport failure MUST reach error observers")
}

func (suite *SessionTestSuite) TestWatchdog_ResolvesMissingConfirmation() {
	// GOAL: Verify the watchdog force-resolves a connect whose Ready event never arrives
	//
	// TEST SCENARIO: connect acknowledged, event suppressed → clock advances past timeout → result from fresh state

	tests := []struct {
		name       string
		finalState device.State
		expected   bool
	}{
		{"device reached Ready silently", device.Ready, true},
		{"device stuck connecting", device.Connecting, false},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.SetupTest()
			suite.fake.ConnectFunc = func(ctx context.Context, address string) (bool, error) {
				suite.fake.SetState(address, tt.finalState)
				return true, nil
			}
			s := suite.newSession()

			results := runConcurrently(1, func() bool { return s.Connect(context.Background()) })
			suite.Eventually(func() bool { return suite.connectAcked(s) }, time.Second, time.Millisecond)

			suite.clock.Advance(5 * time.Second)
			s.checkWatchdog(suite.clock.Now())
			suite.True(suite.connectAcked(s), "connect MUST stay pending before the timeout")

			suite.clock.Advance(5 * time.Second)
			s.checkWatchdog(suite.clock.Now())

			suite.Equal(tt.expected, <-results)
		})
	}
}

func (suite *SessionTestSuite) TestWatchdog_ResolvesStuckDisconnect() {
	// GOAL: Verify a disconnect with a suppressed Disconnected event is confirmed by the watchdog

	suite.opts.DisconnectRetries = 0
	suite.fake.SetState(testAddress, device.Ready)
	suite.fake.DisconnectFunc = func(ctx context.Context, address string) (bool, error) {
		suite.fake.SetState(address, device.Disconnected)
		return true, nil
	}
	s := suite.newSession()

	results := runConcurrently(1, func() bool { return s.Disconnect(context.Background()) })
	suite.Eventually(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.disconnectRequestedAt.IsZero()
	}, time.Second, time.Millisecond)

	suite.clock.Advance(10 * time.Second)
	s.checkWatchdog(suite.clock.Now())

	suite.True(<-results)
}

func (suite *SessionTestSuite) TestConnect_ConnectedIsTimeoutOption() {
	// GOAL: Verify an early Connected notification fails a pending connect when configured

	suite.opts.ConnectedIsTimeout = true
	suite.fake.ConnectFunc = func(ctx context.Context, address string) (bool, error) {
		suite.fake.SetState(address, device.Connecting)
		return true, nil
	}
	s := suite.newSession()

	results := runConcurrently(1, func() bool { return s.Connect(context.Background()) })
	suite.Eventually(func() bool { return suite.connectAcked(s) }, time.Second, time.Millisecond)

	suite.fake.Transition(testAddress, device.Connected)

	suite.False(<-results)
}

func (suite *SessionTestSuite) TestConnectDisconnect_MutuallyExclusive() {
	// GOAL: Verify disconnect is rejected without a physical call while a connect is in flight

	release := make(chan struct{})
	suite.fake.ConnectFunc = func(ctx context.Context, address string) (bool, error) {
		suite.fake.SetState(address, device.Connecting)
		<-release
		suite.fake.Transition(address, device.Ready)
		return true, nil
	}
	s := suite.newSession()

	results := runConcurrently(1, func() bool { return s.Connect(context.Background()) })
	suite.Eventually(func() bool { return s.inFlight(opConnect) && suite.fake.Calls(testutils.CallConnect) == 1 },
		time.Second, time.Millisecond)

	suite.False(s.Disconnect(context.Background()), "disconnect MUST be rejected")
	suite.Equal(0, suite.fake.Calls(testutils.CallDisconnect))

	close(release)
	suite.True(<-results)
}

func (suite *SessionTestSuite) TestDisconnect_RetriesUntilConfirmed() {
	// GOAL: Verify confirmed disconnect failures are re-issued up to the retry bound

	tests := []struct {
		name      string
		failures  int
		expected  bool
		wantCalls int
	}{
		{"succeeds on third attempt", 2, true, 3},
		{"gives up after retries", 10, false, 4},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.SetupTest()
			suite.opts.DisconnectRetries = 3
			suite.fake.SetState(testAddress, device.Ready)

			attempts := 0
			suite.fake.DisconnectFunc = func(ctx context.Context, address string) (bool, error) {
				attempts++
				if attempts <= tt.failures {
					return false, nil
				}
				suite.fake.Transition(address, device.Disconnected)
				return true, nil
			}
			s := suite.newSession()

			suite.Equal(tt.expected, s.Disconnect(context.Background()))
			suite.Equal(tt.wantCalls, suite.fake.Calls(testutils.CallDisconnect))
		})
	}
}

func (suite *SessionTestSuite) TestInit_Gating() {
	// GOAL: Verify init preconditions are enforced before any physical call
	//
	// TEST SCENARIO: out-of-range samples, bad interval, not Ready → false → zero init calls

	tests := []struct {
		name     string
		state    device.State
		samples  int
		interval time.Duration
	}{
		{"zero samples", device.Ready, 0, time.Second},
		{"samples above bound", device.Ready, 150, time.Second},
		{"non-positive poll interval", device.Ready, 10, 0},
		{"not ready", device.Connected, 10, time.Second},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.SetupTest()
			suite.fake.SetState(testAddress, tt.state)
			s := suite.newSession()

			suite.False(s.Init(context.Background(), tt.samples, tt.interval))
			suite.Equal(0, suite.fake.Calls(testutils.CallInitTransfer), "no physical call MUST be made")
			suite.False(s.BatteryPolling())
		})
	}
}

func (suite *SessionTestSuite) TestInit_RejectsSecondInit() {
	s := suite.readySession()
	calls := suite.fake.Calls(testutils.CallInitTransfer)

	suite.False(s.Init(context.Background(), 10, time.Minute))
	suite.Equal(calls, suite.fake.Calls(testutils.CallInitTransfer))
}

func (suite *SessionTestSuite) TestInit_OnlyAdvertisedChannels() {
	// GOAL: Verify only channel kinds present in the feature mask are initialized

	suite.fake.Mask = device.DefaultFeatureBits().EEG
	s := suite.newSession()
	suite.Require().True(s.Connect(context.Background()))

	suite.True(s.Init(context.Background(), 10, time.Minute))

	suite.Equal(1, suite.fake.Calls(testutils.CallInitChannel+":EEG"))
	suite.Equal(0, suite.fake.Calls(testutils.CallInitChannel+":ECG"))
	suite.Equal(0, suite.fake.Calls(testutils.CallInitChannel+":IMU"))
	suite.Equal(0, suite.fake.Calls(testutils.CallInitChannel+":BRTH"))
	suite.Equal(8, s.ChannelCount(device.EEG))
	suite.Equal(0, s.ChannelCount(device.ECG))
	suite.Equal(0, s.ChannelCount(device.IMU))
	suite.Equal(0, s.ChannelCount(device.Respiration))
	suite.True(s.Initialized())
	suite.True(s.BatteryPolling())
}

func (suite *SessionTestSuite) TestInit_FailsWhenNoChannels() {
	// GOAL: Verify init fails after the attempt budget when the only channel never reports
	//
	// TEST SCENARIO: EEG-only mask, EEG init returns 0 → 10 attempts → false, caches cleared, link kept

	suite.fake.Mask = device.DefaultFeatureBits().EEG
	suite.fake.InitChannelFunc = func(context.Context, string, device.ChannelKind, int) (int, error) {
		return 0, nil
	}
	s := suite.newSession()
	suite.Require().True(s.Connect(context.Background()))

	suite.False(s.Init(context.Background(), 10, time.Minute))

	suite.Equal(10, suite.fake.Calls(testutils.CallInitChannel+":EEG"))
	suite.False(s.Initialized())
	suite.Equal(device.FeatureMask(0), s.FeatureMask(), "feature mask MUST be cleared")
	suite.False(s.BatteryPolling(), "battery poll MUST stop")
	suite.Never(func() bool { return suite.fake.Calls(testutils.CallDisconnect) > 0 },
		50*time.Millisecond, 5*time.Millisecond, "a device without channels MUST stay connected")
}

func (suite *SessionTestSuite) TestInit_DisconnectsWhenMaskNeverObtained() {
	suite.fake.InitTransferFunc = func(context.Context, string, bool) (device.FeatureMask, error) {
		return 0, nil
	}
	s := suite.newSession()
	suite.Require().True(s.Connect(context.Background()))

	suite.False(s.Init(context.Background(), 10, time.Minute))

	suite.Equal(10, suite.fake.Calls(testutils.CallInitTransfer))
	suite.Eventually(func() bool { return suite.fake.Calls(testutils.CallDisconnect) == 1 },
		time.Second, time.Millisecond, "unhealthy link MUST be disconnected")
}

func (suite *SessionTestSuite) TestInit_RetriesUntilMTUNegotiated() {
	quick := 0
	suite.fake.GetDeviceInfoFunc = func(ctx context.Context, address string, quickOnly bool) (*device.DeviceInfo, error) {
		if quickOnly {
			quick++
			if quick < 3 {
				return &device.DeviceInfo{MTUSize: 23}, nil
			}
		}
		return suite.fake.Info.Clone(), nil
	}
	s := suite.newSession()
	suite.Require().True(s.Connect(context.Background()))

	suite.True(s.Init(context.Background(), 10, time.Minute))
	suite.Equal(3, quick, "quick info MUST be retried until MTU >= 80")
	suite.Equal(4, suite.fake.Calls(testutils.CallGetDeviceInfo))
}

func (suite *SessionTestSuite) TestInit_CoalescesConcurrentCallers() {
	release := make(chan struct{})
	probes := 0
	suite.fake.InitTransferFunc = func(ctx context.Context, address string, probeOnly bool) (device.FeatureMask, error) {
		if probeOnly {
			probes++
			<-release
			return suite.fake.Mask, nil
		}
		return 1, nil
	}
	s := suite.newSession()
	suite.Require().True(s.Connect(context.Background()))

	results := runConcurrently(3, func() bool { return s.Init(context.Background(), 10, time.Minute) })
	suite.Eventually(func() bool { return suite.waiters(s, opInit) == 3 }, time.Second, time.Millisecond)
	close(release)

	for ok := range results {
		suite.True(ok)
	}
	suite.Equal(1, probes)
}

func (suite *SessionTestSuite) TestNotify_RequiresInit() {
	suite.fake.SetState(testAddress, device.Ready)
	s := suite.newSession()

	suite.False(s.StartNotify(context.Background()))
	suite.False(s.StopNotify(context.Background()))
	suite.Equal(0, suite.fake.Calls(testutils.CallStartNotify))
	suite.Equal(0, suite.fake.Calls(testutils.CallStopNotify))
}

func (suite *SessionTestSuite) TestStopNotify_ReportsWhetherStopHappened() {
	// GOAL: Verify stop-notify resolves to the negation of the transferring flag

	s := suite.readySession()

	suite.True(s.StartNotify(context.Background()))
	suite.True(s.Transferring())

	suite.True(s.StopNotify(context.Background()), "stop that took effect MUST report true")
	suite.False(s.Transferring())

	suite.fake.StopNotifyFunc = func(ctx context.Context, address string) (bool, error) {
		return true, nil
	}
	suite.fake.SetTransferring(testAddress, true)
	suite.False(s.StopNotify(context.Background()), "stop that left data flowing MUST report false")
}

func (suite *SessionTestSuite) TestBattery() {
	s := suite.newSession()

	_, err := s.Battery(context.Background())
	suite.ErrorIs(err, device.ErrNotReady)
	suite.Equal(0, suite.fake.Calls(testutils.CallGetBattery))

	suite.Require().True(s.Connect(context.Background()))

	var observed []int
	cancel := s.OnBattery(func(level int) { observed = append(observed, level) })
	defer cancel()

	for i := 1; i <= 2; i++ {
		level, err := s.Battery(context.Background())
		suite.NoError(err)
		suite.Equal(87, level)
		suite.Equal(i, suite.fake.Calls(testutils.CallGetBattery), "battery MUST always read fresh")
	}
	suite.Equal(87, s.BatteryLevel())
	suite.Equal([]int{87, 87}, observed)
}

func (suite *SessionTestSuite) TestBattery_FailureSurfaced() {
	suite.fake.GetBatteryFunc = func(context.Context, string) (int, error) {
		return 0, errors.New("Device not connected")
	}
	suite.fake.SetState(testAddress, device.Ready)
	s := suite.newSession()

	_, err := s.Battery(context.Background())
	suite.ErrorIs(err, device.ErrNotConnected)
	suite.Equal(1, suite.fake.Calls(testutils.CallGetBattery), "battery failures MUST NOT be retried")
}

func (suite *SessionTestSuite) TestDeviceInfo_CacheFirst() {
	suite.fake.SetState(testAddress, device.Ready)
	s := suite.newSession()

	_, err := s.DeviceInfo(context.Background())
	suite.ErrorIs(err, device.ErrNotInitialized)

	suite.Require().True(s.Init(context.Background(), 10, time.Minute))
	calls := suite.fake.Calls(testutils.CallGetDeviceInfo)

	info, err := s.DeviceInfo(context.Background())
	suite.Require().NoError(err)
	suite.Equal("BS-1", info.ModelName)
	suite.Equal(247, info.MTUSize)
	suite.Equal(8, info.EEGChannelCount)
	suite.Equal(1, info.ECGChannelCount)

	info.ModelName = "mutated"
	again, err := s.DeviceInfo(context.Background())
	suite.Require().NoError(err)
	suite.Equal("BS-1", again.ModelName, "callers MUST receive copies")
	suite.Equal(calls, suite.fake.Calls(testutils.CallGetDeviceInfo), "cached info MUST NOT hit the transport")
}

func (suite *SessionTestSuite) TestDisconnect_ResetsSessionState() {
	// GOAL: Verify a confirmed disconnect returns all session-owned state to its initial values
	//
	// TEST SCENARIO: connect, init, stream, read battery → disconnect → everything reset

	s := suite.readySession()
	suite.Require().True(s.StartNotify(context.Background()))
	_, err := s.Battery(context.Background())
	suite.Require().NoError(err)

	suite.True(s.Disconnect(context.Background()))

	suite.False(s.Initialized())
	suite.False(s.Transferring())
	suite.Equal(-1, s.BatteryLevel())
	suite.Nil(s.CachedDeviceInfo())
	suite.Equal(device.FeatureMask(0), s.FeatureMask())
	suite.Equal(0, s.ChannelCount(device.EEG))
	suite.False(s.BatteryPolling())
	suite.Equal(device.Disconnected, s.State())
}

func (suite *SessionTestSuite) TestSetParam() {
	s := suite.newSession()

	_, err := s.SetParam(context.Background(), "rate", "250")
	suite.ErrorIs(err, device.ErrNotReady)

	suite.fake.SetState(testAddress, device.Ready)
	reply, err := s.SetParam(context.Background(), "rate", "250")
	suite.NoError(err)
	suite.Equal("rate=250", reply)

	_, err = s.SetParam(context.Background(), "", "x")
	suite.ErrorIs(err, device.ErrInvalidParameter)
}

func (suite *SessionTestSuite) TestRun_TeardownResolvesPending() {
	suite.fake.ConnectFunc = func(ctx context.Context, address string) (bool, error) {
		suite.fake.SetState(address, device.Connecting)
		return true, nil
	}
	s := suite.newSession()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()
	suite.Eventually(func() bool { return s.context() == ctx }, time.Second, time.Millisecond)

	results := runConcurrently(1, func() bool { return s.Connect(context.Background()) })
	suite.Eventually(func() bool { return suite.connectAcked(s) }, time.Second, time.Millisecond)

	cancel()
	<-stopped

	suite.False(<-results, "pending connect MUST resolve false on teardown")
	suite.Never(func() bool { return suite.fake.Calls(testutils.CallDisconnect) > 0 },
		50*time.Millisecond, 5*time.Millisecond, "no cleanup MUST run after teardown")
}

func (suite *SessionTestSuite) TestInit_DiscardedWhenLinkResets() {
	// GOAL: Verify an init overtaken by a confirmed disconnect commits nothing
	//
	// TEST SCENARIO: commit step blocked → device disconnects → release → init false, state clean → re-init after reconnect succeeds

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	suite.fake.InitTransferFunc = func(ctx context.Context, address string, probeOnly bool) (device.FeatureMask, error) {
		if probeOnly {
			return suite.fake.Mask, nil
		}
		once.Do(func() {
			close(entered)
			<-release
		})
		return 1, nil
	}
	s := suite.newSession()
	suite.Require().True(s.Connect(context.Background()))

	results := runConcurrently(1, func() bool { return s.Init(context.Background(), 10, time.Minute) })
	select {
	case <-entered:
	case <-time.After(time.Second):
		suite.FailNow("init MUST reach the commit step")
	}

	suite.fake.SetState(testAddress, device.Disconnected)
	s.HandleStateChange(device.Disconnected)
	close(release)

	suite.False(<-results, "init overtaken by a disconnect MUST fail")
	suite.False(s.Initialized(), "initialized MUST stay false after a confirmed disconnect")
	suite.Zero(s.FeatureMask())
	suite.Zero(s.ChannelCount(device.EEG))
	suite.Nil(s.CachedDeviceInfo())
	suite.False(s.BatteryPolling())
	suite.Equal(0, suite.fake.Calls(testutils.CallDisconnect), "a reset link MUST NOT be torn down again")

	suite.Require().True(s.Connect(context.Background()), "reconnect MUST succeed")
	suite.True(s.Init(context.Background(), 10, time.Minute), "a fresh init MUST run after the reset")
	suite.True(s.Initialized())
	suite.Equal(8, s.ChannelCount(device.EEG))
}

func (suite *SessionTestSuite) TestStartNotify_DiscardedWhenLinkResets() {
	// GOAL: Verify a start-notify result computed before a disconnect is not committed
	//
	// TEST SCENARIO: start-notify blocked → device disconnects → release with transferring set → false, not transferring

	s := suite.readySession()

	entered := make(chan struct{})
	release := make(chan struct{})
	suite.fake.StartNotifyFunc = func(ctx context.Context, address string) (bool, error) {
		close(entered)
		<-release
		suite.fake.SetTransferring(address, true)
		return true, nil
	}

	results := runConcurrently(1, func() bool { return s.StartNotify(context.Background()) })
	<-entered

	suite.fake.SetState(testAddress, device.Disconnected)
	s.HandleStateChange(device.Disconnected)
	close(release)

	suite.False(<-results)
	suite.False(s.Transferring(), "transferring MUST stay false after a confirmed disconnect")
}

func (suite *SessionTestSuite) TestConnect_FailsFastWhenLinkDrops() {
	// GOAL: Verify a Disconnected report resolves a pending connect without waiting for the watchdog
	//
	// TEST SCENARIO: connect acknowledged → transport reports Disconnected → connect returns false promptly

	suite.fake.ConnectFunc = func(ctx context.Context, address string) (bool, error) {
		suite.fake.SetState(address, device.Connecting)
		go func() {
			time.Sleep(10 * time.Millisecond)
			suite.fake.Transition(address, device.Disconnected)
		}()
		return true, nil
	}
	s := suite.newSession()

	results := runConcurrently(1, func() bool { return s.Connect(context.Background()) })
	select {
	case ok := <-results:
		suite.False(ok, "dropped link MUST fail the connect")
	case <-time.After(time.Second):
		suite.Fail("connect MUST resolve without the watchdog")
	}
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestObservers_ForwardStateAfterHandling(t *testing.T) {
	fake := testutils.NewFakeTransport()
	s := New(device.BLEDevice{Address: testAddress}, fake, Options{}, nil)

	var seen []device.State
	cancel := s.OnStateChanged(func(st device.State) {
		seen = append(seen, st)
	})

	s.HandleStateChange(device.Ready)
	cancel()
	s.HandleStateChange(device.Disconnected)

	assert.Equal(t, []device.State{device.Ready}, seen, "cancelled observers MUST NOT be called")
}

func TestOptions_WithDefaults(t *testing.T) {
	opts := Options{InitRetryDelay: -time.Second, DisconnectRetries: -1}.withDefaults()

	require.NotNil(t, opts.Now)
	assert.Equal(t, 10*time.Second, opts.OperationTimeout)
	assert.Equal(t, time.Second, opts.WatchdogInterval)
	assert.Equal(t, 10, opts.InitAttempts)
	assert.Equal(t, time.Duration(0), opts.InitRetryDelay)
	assert.Equal(t, 80, opts.MinMTU)
	assert.Equal(t, 0, opts.DisconnectRetries)
	assert.Equal(t, device.DefaultFeatureBits(), opts.FeatureBits)
}

func TestOpKind_String(t *testing.T) {
	assert.Equal(t, "connect", opConnect.String())
	assert.Equal(t, "stop-notify", opStopNotify.String())
	assert.Equal(t, "op(42)", opKind(42).String())
}
