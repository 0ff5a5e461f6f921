package registry

import (
	"context"
	"testing"
	"time"

	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/session"
	"github.com/srg/sensorlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type MockPermissions struct {
	mock.Mock
}

func (m *MockPermissions) Check(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockPermissions) Request(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

type RegistryTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	fake   *testutils.FakeTransport
	perms  *MockPermissions
	reg    *Registry
	cancel context.CancelFunc
	done   chan error
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.fake = testutils.NewFakeTransport()
	suite.perms = &MockPermissions{}
	suite.reg = New(suite.fake, suite.perms, DefaultOptions(), suite.helper.Logger)
}

func (suite *RegistryTestSuite) TearDownTest() {
	if suite.cancel != nil {
		suite.cancel()
		<-suite.done
		suite.cancel = nil
	}
}

func (suite *RegistryTestSuite) run() {
	ctx, cancel := context.WithCancel(context.Background())
	suite.cancel = cancel
	suite.done = make(chan error, 1)
	go func() { suite.done <- suite.reg.Run(ctx) }()
}

func (suite *RegistryTestSuite) TestSession_LazyCreation() {
	// GOAL: Verify sessions are created once per address and bound to the transport

	_, err := suite.reg.Session("")
	suite.ErrorIs(err, device.ErrInvalidAddress)
	_, err = suite.reg.Session("   ")
	suite.ErrorIs(err, device.ErrInvalidAddress)

	_, ok := suite.reg.Lookup("AA:01")
	suite.False(ok, "lookup MUST NOT create sessions")

	s1, err := suite.reg.Session("AA:01")
	suite.Require().NoError(err)
	s2, err := suite.reg.Session("AA:01")
	suite.Require().NoError(err)

	suite.Same(s1, s2)
	suite.Equal(1, suite.fake.Calls(testutils.CallInitSensor))

	found, ok := suite.reg.Lookup("AA:01")
	suite.True(ok)
	suite.Same(s1, found)
}

func (suite *RegistryTestSuite) TestSession_PreservesDiscoveredIdentity() {
	suite.run()
	suite.fake.Emit(device.DeviceListEvent{Devices: []device.BLEDevice{
		{Name: "BioSense", Address: "AA:02", RSSI: -60},
	}})
	suite.Eventually(func() bool { return len(suite.reg.Discovered()) == 1 }, time.Second, time.Millisecond)

	s, err := suite.reg.Session("AA:02")
	suite.Require().NoError(err)
	suite.Equal("BioSense", s.Device().Name)
	suite.Equal(-60, s.Device().RSSI)
}

func (suite *RegistryTestSuite) TestRun_RoutesEventsByAddress() {
	// GOAL: Verify events reach only the session owning the address
	//
	// TEST SCENARIO: two sessions, events for each and for an unknown address → routed or ignored

	s1, err := suite.reg.Session("AA:01")
	suite.Require().NoError(err)
	s2, err := suite.reg.Session("AA:02")
	suite.Require().NoError(err)

	states := make(chan device.State, 4)
	s1.OnStateChanged(func(st device.State) { states <- st })
	s2.OnStateChanged(func(device.State) { suite.Fail("AA:02 MUST NOT receive AA:01 events") })

	data := make(chan device.SensorData, 1)
	s1.OnData(func(d device.SensorData) { data <- d })
	errs := make(chan string, 1)
	s1.OnError(func(msg string) { errs <- msg })

	suite.run()
	suite.fake.Emit(device.StateChangedEvent{Address: "FF:FF", State: device.Ready})
	suite.fake.Emit(device.StateChangedEvent{Address: "AA:01", State: device.Connecting})
	suite.fake.Emit(device.DataEvent{Address: "AA:01", Data: device.SensorData{DataType: device.DataEEG, Raw: []byte{1, 2}}})
	suite.fake.Emit(device.ErrorEvent{Address: "AA:01", Message: "boom"})

	suite.Equal(device.Connecting, <-states)
	suite.Equal(device.DataEEG, (<-data).DataType)
	suite.Equal("boom", <-errs)

	_, ok := suite.reg.Lookup("FF:FF")
	suite.False(ok, "events MUST NOT create sessions")
}

func (suite *RegistryTestSuite) TestRun_DrivesSessionLifecycle() {
	// GOAL: Verify a session created through the registry completes connect and init

	suite.run()
	s, err := suite.reg.Session("AA:01")
	suite.Require().NoError(err)

	suite.True(s.Connect(context.Background()))
	suite.True(s.Init(context.Background(), 10, time.Minute))

	suite.Equal([]device.BLEDevice{{Address: "AA:01"}}, suite.reg.ConnectedDevices())
	suite.Len(suite.reg.ConnectedSessions(), 1)

	suite.True(s.Disconnect(context.Background()))
	suite.Empty(suite.reg.ConnectedDevices())
}

func (suite *RegistryTestSuite) TestRun_RejectsSecondRun() {
	suite.run()
	suite.Eventually(func() bool {
		suite.reg.mu.Lock()
		defer suite.reg.mu.Unlock()
		return suite.reg.runCtx != nil
	}, time.Second, time.Millisecond)

	suite.Error(suite.reg.Run(context.Background()))
}

func (suite *RegistryTestSuite) TestRun_StopsWhenStreamCloses() {
	suite.run()
	suite.fake.Close()

	suite.NoError(<-suite.done)
	suite.cancel = nil
}

func (suite *RegistryTestSuite) TestConnectedDevices_InsertionOrder() {
	for _, addr := range []string{"CC:03", "AA:01", "BB:02"} {
		_, err := suite.reg.Session(addr)
		suite.Require().NoError(err)
		suite.fake.SetState(addr, device.Ready)
	}
	suite.fake.SetState("AA:01", device.Connecting)

	devs := suite.reg.ConnectedDevices()
	suite.Equal([]device.BLEDevice{{Address: "CC:03"}, {Address: "BB:02"}}, devs)
}

func (suite *RegistryTestSuite) TestStartScan_PermissionGate() {
	// GOAL: Verify the permission prompt is retried exactly once before failing
	//
	// TEST SCENARIO: check fails → prompt refused twice → ErrPermissionDenied, no scan

	tests := []struct {
		name      string
		checked   bool
		answers   []bool
		wantErr   error
		wantScans int
	}{
		{"already granted", true, nil, nil, 1},
		{"granted on first prompt", false, []bool{true}, nil, 1},
		{"granted on retry", false, []bool{false, true}, nil, 1},
		{"denied twice", false, []bool{false, false}, ErrPermissionDenied, 0},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.SetupTest()
			suite.perms.On("Check", mock.Anything).Return(tt.checked)
			for _, answer := range tt.answers {
				suite.perms.On("Request", mock.Anything).Return(answer, nil).Once()
			}

			ok, err := suite.reg.StartScan(context.Background(), 10*time.Second)

			if tt.wantErr != nil {
				suite.ErrorIs(err, tt.wantErr)
				suite.False(ok)
			} else {
				suite.NoError(err)
				suite.True(ok)
			}
			suite.Equal(tt.wantScans, suite.fake.Calls(testutils.CallStartScan))
			suite.perms.AssertNumberOfCalls(suite.T(), "Request", len(tt.answers))
		})
	}
}

func (suite *RegistryTestSuite) TestStartScan_ConcurrentPolicy() {
	suite.perms.On("Check", mock.Anything).Return(true)

	ok, err := suite.reg.StartScan(context.Background(), 10*time.Second)
	suite.Require().NoError(err)
	suite.Require().True(ok)
	suite.True(suite.reg.IsScanning())

	_, err = suite.reg.StartScan(context.Background(), 10*time.Second)
	suite.ErrorIs(err, ErrScanInProgress)
	suite.Equal(1, suite.fake.Calls(testutils.CallStartScan))

	opts := DefaultOptions()
	opts.RejectConcurrentScan = false
	permissive := New(suite.fake, suite.perms, opts, suite.helper.Logger)
	ok, err = permissive.StartScan(context.Background(), 10*time.Second)
	suite.NoError(err)
	suite.True(ok)
	suite.Equal(2, suite.fake.Calls(testutils.CallStartScan))

	suite.NoError(suite.reg.StopScan(context.Background()))
	suite.False(suite.reg.IsScanning())
}

func (suite *RegistryTestSuite) TestStartScan_ClampsPeriod() {
	suite.perms.On("Check", mock.Anything).Return(true)

	var got []time.Duration
	suite.fake.StartScanFunc = func(ctx context.Context, period time.Duration) (bool, error) {
		got = append(got, period)
		return true, nil
	}

	for _, p := range []time.Duration{time.Second, 12 * time.Second, time.Minute} {
		_, err := suite.reg.StartScan(context.Background(), p)
		suite.Require().NoError(err)
	}
	suite.Equal([]time.Duration{MinScanPeriod, 12 * time.Second, MaxScanPeriod}, got)
}

func (suite *RegistryTestSuite) TestOnDeviceList() {
	lists := make(chan []device.BLEDevice, 2)
	cancel := suite.reg.OnDeviceList(func(devs []device.BLEDevice) { lists <- devs })
	defer cancel()

	suite.run()
	suite.fake.Emit(device.DeviceListEvent{Devices: []device.BLEDevice{{Address: "BB:02"}, {Address: "AA:01"}}})
	suite.Len(<-lists, 2)

	suite.fake.Emit(device.DeviceListEvent{Devices: []device.BLEDevice{{Address: "CC:03"}}})
	suite.Len(<-lists, 1)

	suite.Equal([]device.BLEDevice{{Address: "CC:03"}}, suite.reg.LastScan())
	suite.Equal([]device.BLEDevice{{Address: "AA:01"}, {Address: "BB:02"}, {Address: "CC:03"}}, suite.reg.Discovered())
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func TestClampScanPeriod(t *testing.T) {
	assert.Equal(t, MinScanPeriod, ClampScanPeriod(0))
	assert.Equal(t, 20*time.Second, ClampScanPeriod(20*time.Second))
	assert.Equal(t, MaxScanPeriod, ClampScanPeriod(time.Hour))
}

func TestNew_Defaults(t *testing.T) {
	reg := New(testutils.NewFakeTransport(), nil, Options{Session: session.Options{}}, nil)
	require.NotNil(t, reg)

	ok, err := reg.StartScan(context.Background(), time.Second)
	assert.NoError(t, err, "nil permissions MUST allow scanning")
	assert.True(t, ok)
	assert.True(t, reg.IsEnabled())
}
