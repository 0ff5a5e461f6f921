package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/testutils"
	"github.com/srg/sensorlink/pkg/config"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "AA:00:00:00:00:01"
	TestDeviceAddress2 = "AA:00:00:00:00:02"
)

// CommandTestSuite runs commands against a scripted transport.
// All cmd/sensorctl test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	Transport *testutils.FakeTransport

	originalFactory func(*config.Config, *logrus.Logger) device.Transport
}

func (s *CommandTestSuite) SetupTest() {
	s.Transport = testutils.NewFakeTransport()
	s.originalFactory = transportFactory
	transportFactory = func(*config.Config, *logrus.Logger) device.Transport {
		return s.Transport
	}
	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	transportFactory = s.originalFactory
	resetFlags(rootCmd)
}

// resetFlags restores every flag of cmd and its subcommands to its default.
// Cobra keeps flag values and Changed marks between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// ExecuteCommand runs the root command with args and returns what was
// written to stdout. Logs and usage go to stderr and are discarded.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return buf.String(), err
}

// WriteConfig writes a YAML config file into a temp dir and returns its path.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "sensorlink.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "config file MUST be written")
	return path
}
