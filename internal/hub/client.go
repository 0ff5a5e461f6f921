// Package hub is the client side of the broadcast hub command channel.
//
// The client registers with the hub over a persistent duplex connection,
// then correlates outbound commands with their replies by message id. One
// command is in flight at a time; the rest wait in a FIFO queue. Broadcasts
// are fire-and-forget and are held back only while registration is pending.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/backoff"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/observer"
)

// Client errors
var (
	ErrNotConnected   = errors.New("hub: not connected")
	ErrCommandTimeout = errors.New("hub: command timed out")
)

// Options configures a Client.
type Options struct {
	URL      string
	AppType  string
	DeviceID string
	Codec    Codec
	// CommandTimeout is the reply deadline of commands sent without an
	// explicit timeout. It also bounds every frame write.
	CommandTimeout time.Duration
	// RegisterRetry is the pause before re-registering after the hub answered
	// with an empty group id. Zero disables the retry.
	RegisterRetry time.Duration
	Dialer        Dialer
}

type phase int

const (
	phaseClosed phase = iota
	phaseRegistering
	phaseRegistered
)

func (p phase) String() string {
	switch p {
	case phaseRegistering:
		return "registering"
	case phaseRegistered:
		return "registered"
	default:
		return "closed"
	}
}

type cmdResult struct {
	reply *Message
	err   error
}

type command struct {
	msg     Message
	timeout time.Duration
	done    chan cmdResult
}

// frame is an encoded message waiting for the writer. cmd is set for
// commands, whose reply timer starts once the frame is on the wire.
type frame struct {
	data []byte
	msg  Message
	cmd  *command
}

// resolve must be called at most once per command.
func (c *command) resolve(reply *Message, err error) {
	c.done <- cmdResult{reply: reply, err: err}
}

// Client is a hub command channel client.
type Client struct {
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	conn       Conn
	runCtx     context.Context
	cancel     context.CancelFunc
	phase      phase
	group      string
	regValue   string
	registered chan struct{}
	closed     chan struct{}
	counter    uint64
	queue      []*command
	inflight   *command
	timer      *time.Timer
	retryTimer *time.Timer
	regRetry   *backoff.Backoff
	broadcasts []Message
	outbox     []frame
	wake       chan struct{}

	msgObs observer.Set[Message]
}

// New creates a closed Client. Unset options take defaults: a random device
// id, the JSON codec, a 5 second command timeout and the websocket dialer.
func New(opts Options, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.AppType == "" {
		opts.AppType = "sensorlink"
	}
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.RegisterRetry < 0 {
		opts.RegisterRetry = 0
	}
	if opts.Dialer == nil {
		opts.Dialer = DialWebsocket
	}

	return &Client{
		opts:     opts,
		logger:   logger,
		regRetry: backoff.Fixed(opts.RegisterRetry),
	}
}

// DeviceID returns the id the client registers with.
func (c *Client) DeviceID() string { return c.opts.DeviceID }

// Group returns the group id assigned by the hub, empty while unregistered.
func (c *Client) Group() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// Registered reports whether the hub has assigned a group.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseRegistered
}

// Phase returns the connection phase name: closed, registering or registered.
func (c *Client) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase.String()
}

// OnMessage subscribes to frames that answer no in-flight command.
func (c *Client) OnMessage(fn func(Message)) (cancel func()) {
	return c.msgObs.Subscribe(fn)
}

// Open dials the hub and sends the registration request. ctx bounds dialing
// only. Opening an open client is a no-op.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	open := c.phase != phaseClosed
	c.mu.Unlock()
	if open {
		return nil
	}

	conn, err := c.opts.Dialer(ctx, c.opts.URL, c.opts.Codec.Binary())
	if err != nil {
		return fmt.Errorf("hub: open %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	if c.phase != phaseClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.runCtx = runCtx
	c.cancel = cancel
	c.phase = phaseRegistering
	c.registered = make(chan struct{})
	c.closed = make(chan struct{})
	c.wake = make(chan struct{}, 1)
	c.regValue = fmt.Sprintf("register_app/%s/%s", c.opts.AppType, c.opts.DeviceID)

	groutine.Go(runCtx, "hub-read", func(ctx context.Context) {
		c.readLoop(ctx, conn)
	})
	wake := c.wake
	groutine.Go(runCtx, "hub-write", func(ctx context.Context) {
		c.writeLoop(ctx, conn, wake)
	})

	c.logger.WithFields(logrus.Fields{
		"url":   c.opts.URL,
		"codec": c.opts.Codec.Name(),
	}).Info("Hub connection opened")

	err = c.sendRegistrationLocked()
	c.mu.Unlock()

	if err != nil {
		c.Close()
		return err
	}
	return nil
}

// Join asks the hub to move this client into group. Commands queue until
// the hub confirms.
func (c *Client) Join(group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == phaseClosed {
		return ErrNotConnected
	}
	if c.phase == phaseRegistered {
		c.registered = make(chan struct{})
	}
	c.phase = phaseRegistering
	c.regValue = fmt.Sprintf("join_app/%s/%s/%s", c.opts.AppType, c.opts.DeviceID, group)
	return c.sendRegistrationLocked()
}

// WaitRegistered blocks until the hub assigns a group and returns it.
func (c *Client) WaitRegistered(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.phase == phaseClosed {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	registered, closed := c.registered, c.closed
	c.mu.Unlock()

	select {
	case <-registered:
		return c.Group(), nil
	case <-closed:
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendCmd sends a command and waits for the reply with the same id. A
// non-positive timeout uses Options.CommandTimeout. The timeout runs from the
// moment the command is actually sent, not from queueing.
func (c *Client) SendCmd(ctx context.Context, value, target string, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}

	c.mu.Lock()
	if c.phase == phaseClosed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	c.counter++
	cmd := &command{
		msg: Message{
			ID:      fmt.Sprintf("%s_%s_%d", c.opts.AppType, c.opts.DeviceID, c.counter),
			Type:    TypeCmd,
			Target:  target,
			Value:   value,
			Timeout: timeout.Milliseconds(),
		},
		timeout: timeout,
		done:    make(chan cmdResult, 1),
	}
	c.queue = append(c.queue, cmd)
	c.startNextLocked()
	c.mu.Unlock()

	select {
	case res := <-cmd.done:
		return res.reply, res.err
	case <-ctx.Done():
		c.mu.Lock()
		c.dequeueLocked(cmd)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Broadcast sends a fire-and-forget frame. It is queued while registration
// is pending and dropped with ErrNotConnected when the client is closed.
func (c *Client) Broadcast(typ, value string) error {
	msg := Message{ID: RegistrationID, Type: typ, Value: value}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case phaseRegistered:
		return c.sendLocked(msg, nil)
	case phaseRegistering:
		c.broadcasts = append(c.broadcasts, msg)
		return nil
	default:
		c.logger.WithField("type", typ).Debug("Broadcast dropped: hub closed")
		return ErrNotConnected
	}
}

// BroadcastDataSwitch announces that native data streaming started or stopped.
func (c *Client) BroadcastDataSwitch(on bool) error {
	value := "OB/NATIVE_DATA_STOP"
	if on {
		value = "OB/NATIVE_DATA_START"
	}
	return c.Broadcast(TypeNativeData, value)
}

// BroadcastData publishes one native data record.
func (c *Client) BroadcastData(data string) error {
	return c.Broadcast(TypeNativeData, c.opts.AppType+"/NATIVE_DATA/"+data)
}

// Close closes the connection. Queued and in-flight commands fail with
// ErrNotConnected, queued broadcasts are discarded and the id counter restarts.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.closeLocked()
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.WithError(err).Debug("Hub connection close failed")
		}
		c.logger.Info("Hub connection closed")
	}
}

func (c *Client) closeLocked() Conn {
	if c.phase == phaseClosed {
		return nil
	}

	conn := c.conn
	c.conn = nil
	c.phase = phaseClosed
	c.group = ""
	c.counter = 0
	c.broadcasts = nil
	c.outbox = nil
	c.stopTimersLocked()
	c.cancel()
	close(c.closed)

	if c.inflight != nil {
		c.inflight.resolve(nil, ErrNotConnected)
		c.inflight = nil
	}
	for _, cmd := range c.queue {
		cmd.resolve(nil, ErrNotConnected)
	}
	c.queue = nil
	return conn
}

func (c *Client) stopTimersLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.drop(conn, err)
			return
		}

		var msg Message
		if err := c.opts.Codec.Unmarshal(data, &msg); err != nil {
			c.logger.WithError(err).Warn("Undecodable hub frame dropped")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg Message) {
	if msg.isRegistration() {
		c.handleRegistration(msg)
		return
	}

	c.mu.Lock()
	if cmd := c.inflight; cmd != nil && cmd.msg.ID == msg.ID {
		c.inflight = nil
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		reply := msg
		cmd.resolve(&reply, nil)
		c.startNextLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.msgObs.Notify(msg)
}

func (c *Client) handleRegistration(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == phaseClosed {
		return
	}

	if msg.Value == "" {
		log := c.logger.WithField("type", msg.Type)
		if c.opts.RegisterRetry > 0 && c.retryTimer == nil {
			delay := c.regRetry.Next()
			log = log.WithFields(logrus.Fields{"attempt": c.regRetry.Attempts(), "retry_in": delay})
			c.retryTimer = time.AfterFunc(delay, c.retryRegistration)
		}
		log.Warn("Hub registration refused")
		return
	}

	c.regRetry.Reset()
	c.group = msg.Value
	if c.phase != phaseRegistered {
		c.phase = phaseRegistered
		close(c.registered)
	}
	c.logger.WithField("group", c.group).Info("Registered with hub")

	pending := c.broadcasts
	c.broadcasts = nil
	for _, b := range pending {
		if err := c.sendLocked(b, nil); err != nil {
			c.logger.WithError(err).Warn("Queued broadcast failed")
		}
	}
	c.startNextLocked()
}

func (c *Client) retryRegistration() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retryTimer = nil
	if c.phase != phaseRegistering {
		return
	}
	if err := c.sendRegistrationLocked(); err != nil {
		c.logger.WithError(err).Warn("Hub re-registration failed")
	}
}

func (c *Client) sendRegistrationLocked() error {
	c.logger.WithField("value", c.regValue).Debug("Registering with hub")
	return c.sendLocked(Message{ID: RegistrationID, Type: TypeCmd, Value: c.regValue}, nil)
}

// startNextLocked sends queued commands until one is in flight.
func (c *Client) startNextLocked() {
	for c.phase == phaseRegistered && c.inflight == nil && len(c.queue) > 0 {
		cmd := c.queue[0]
		c.queue = c.queue[1:]

		if err := c.sendLocked(cmd.msg, cmd); err != nil {
			cmd.resolve(nil, err)
			continue
		}
		c.inflight = cmd
	}
}

func (c *Client) expire(cmd *command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != cmd {
		return
	}
	c.inflight = nil
	c.timer = nil

	c.logger.WithFields(logrus.Fields{
		"id":      cmd.msg.ID,
		"timeout": cmd.timeout,
	}).Warn("Hub command timed out")
	cmd.resolve(nil, ErrCommandTimeout)
	c.startNextLocked()
}

// dequeueLocked drops cmd if it has not been sent yet.
func (c *Client) dequeueLocked(cmd *command) {
	for i, q := range c.queue {
		if q == cmd {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// sendLocked encodes msg and hands it to the writer. Frames go out in the
// order they were sent.
func (c *Client) sendLocked(msg Message, cmd *command) error {
	data, err := c.opts.Codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("hub: encode: %w", err)
	}

	c.outbox = append(c.outbox, frame{data: data, msg: msg, cmd: cmd})
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop writes queued frames to conn one at a time without holding c.mu,
// so a stalled socket never blocks reply handling or Close.
func (c *Client) writeLoop(ctx context.Context, conn Conn, wake <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}

		for {
			c.mu.Lock()
			if c.conn != conn || len(c.outbox) == 0 {
				c.mu.Unlock()
				break
			}
			f := c.outbox[0]
			c.outbox = c.outbox[1:]
			c.mu.Unlock()

			if err := c.write(ctx, conn, f); err != nil {
				c.drop(conn, err)
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, conn Conn, f frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, f.data); err != nil {
		return fmt.Errorf("hub: write: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"id":   f.msg.ID,
		"type": f.msg.Type,
	}).Debug("Hub frame sent")

	if cmd := f.cmd; cmd != nil {
		c.mu.Lock()
		if c.inflight == cmd && c.timer == nil {
			c.timer = time.AfterFunc(cmd.timeout, func() { c.expire(cmd) })
		}
		c.mu.Unlock()
	}
	return nil
}

// drop closes the client when conn is still its connection.
func (c *Client) drop(conn Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.closeLocked()
	}
	c.mu.Unlock()

	if current {
		c.logger.WithError(err).Warn("Hub connection lost")
		_ = conn.Close()
	}
}
