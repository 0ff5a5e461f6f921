package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/hub"
)

// hubCmd groups the broadcast hub commands
var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Talk to the broadcast hub",
	Long: `Send correlated commands and fire-and-forget broadcasts through the
broadcast hub. The client registers first; with --group it joins that group
instead of the one assigned by the hub.`,
}

var hubSendCmd = &cobra.Command{
	Use:   "send <value>",
	Short: "Send a command and print the correlated reply",
	Args:  cobra.ExactArgs(1),
	RunE:  runHubSend,
}

var hubBroadcastCmd = &cobra.Command{
	Use:   "broadcast <type> <value>",
	Short: "Send a broadcast frame",
	Args:  cobra.ExactArgs(2),
	RunE:  runHubBroadcast,
}

var hubListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print unsolicited hub messages",
	RunE:  runHubListen,
}

var (
	hubURL         string
	hubCodec       string
	hubGroup       string
	hubSendTarget  string
	hubSendTimeout time.Duration
	hubListenFor   time.Duration
)

func init() {
	hubCmd.PersistentFlags().StringVar(&hubURL, "url", "", "Hub websocket URL (overrides hub.url)")
	hubCmd.PersistentFlags().StringVar(&hubCodec, "codec", "", "Wire codec: json or cbor (overrides hub.codec)")
	hubCmd.PersistentFlags().StringVar(&hubGroup, "group", "", "Join this group after registering")

	hubSendCmd.Flags().StringVarP(&hubSendTarget, "target", "t", "", "Command target")
	hubSendCmd.Flags().DurationVar(&hubSendTimeout, "timeout", 0, "Reply timeout (default from config)")

	hubListenCmd.Flags().DurationVarP(&hubListenFor, "duration", "d", 0, "Listen for this long (0 until Ctrl+C)")

	hubCmd.AddCommand(hubSendCmd)
	hubCmd.AddCommand(hubBroadcastCmd)
	hubCmd.AddCommand(hubListenCmd)
}

// openHub loads configuration, connects and waits for registration.
func openHub(ctx context.Context, cmd *cobra.Command) (*hub.Client, error) {
	cfg, logger, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}
	if hubURL != "" {
		cfg.Hub.URL = hubURL
	}
	if hubCodec != "" {
		cfg.Hub.Codec = hubCodec
	}
	if cfg.Hub.URL == "" {
		return nil, errors.New("hub URL is required: use --url or set hub.url in the config file")
	}

	opts, err := hubOptions(cfg)
	if err != nil {
		return nil, err
	}

	cmd.SilenceUsage = true

	client := hub.New(opts, logger)
	if err := client.Open(ctx); err != nil {
		return nil, err
	}

	if err := waitRegistered(ctx, client, opts.CommandTimeout); err != nil {
		client.Close()
		return nil, err
	}
	if hubGroup != "" {
		if err := client.Join(hubGroup); err != nil {
			client.Close()
			return nil, err
		}
		if err := waitRegistered(ctx, client, opts.CommandTimeout); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

func waitRegistered(ctx context.Context, client *hub.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := client.WaitRegistered(ctx); err != nil {
		return fmt.Errorf("hub registration: %w", err)
	}
	return nil
}

func runHubSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	client, err := openHub(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.SendCmd(ctx, args[0], hubSendTarget, hubSendTimeout)
	if err != nil {
		return err
	}
	return printMessage(cmd.OutOrStdout(), *reply)
}

func runHubBroadcast(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	client, err := openHub(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Broadcast(args[0], args[1]); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "Broadcast sent to group %s\n", client.Group())
	return nil
}

func runHubListen(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if hubListenFor > 0 {
		var cancelListen context.CancelFunc
		ctx, cancelListen = context.WithTimeout(ctx, hubListenFor)
		defer cancelListen()
	}

	client, err := openHub(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	messages := make(chan hub.Message, 64)
	stop := client.OnMessage(func(m hub.Message) {
		select {
		case messages <- m:
		default:
		}
	})
	defer stop()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-messages:
			if err := printMessage(out, m); err != nil {
				return err
			}
		}
	}
}

func printMessage(out io.Writer, m hub.Message) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(m)
}
