package numbers

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/numbers/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

const (
	inboundBuffer  = 100
	outboundBuffer = 10
)

// DialerConfig is the config of the broker dialer.
type DialerConfig struct {
	Broker         string
	MaxMessageSize uint64
}

// ClientDialer opens connections to the broker.
type ClientDialer struct {
	config  DialerConfig
	session SessionStore
}

// NewDialer creates new dialer. Session state of every connection is kept in the session store.
func NewDialer(config DialerConfig, session SessionStore) (*ClientDialer, error) {
	if config.Broker == "" {
		return nil, errors.New("no broker specified")
	}
	if session == nil {
		return nil, errors.New("no session store specified")
	}
	return &ClientDialer{
		config:  config,
		session: session,
	}, nil
}

// Connect connects to the broker.
func (d *ClientDialer) Connect(ctx context.Context, clientID string, resumeSession bool) (Connection, error) {
	c, err := Dial(ctx, d.config, d.session, clientID, resumeSession)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type inflight struct {
	Publish  *wire.Publish
	Released bool
}

// Conn is the connection to the broker.
// Except Interrupt, its methods must be called from a single goroutine.
type Conn struct {
	clientID       string
	sessionPresent bool
	session        SessionStore
	log            *zap.Logger

	group  *parallel.Group
	doneCh chan struct{}
	err    error

	inboundCh   chan any
	outboundCh  chan any
	interruptCh chan struct{}

	stopped      bool
	closed       bool
	nextPacketID wire.PacketID
	publishing   *inflight
	subscribing  map[wire.PacketID]wire.QoS
	receivedQoS2 map[wire.PacketID]struct{}
}

// Dial connects to the broker and waits until the session is established.
// If the broker resumes the session, the publish left unacknowledged by the previous
// connection is sent again.
func Dial(
	ctx context.Context,
	config DialerConfig,
	session SessionStore,
	clientID string,
	resumeSession bool,
) (*Conn, error) {
	if clientID == "" {
		return nil, errors.New("client ID is empty")
	}
	if session == nil {
		return nil, errors.New("no session store specified")
	}

	if !resumeSession {
		if err := session.ClearSession(); err != nil {
			return nil, err
		}
	}

	c := &Conn{
		clientID:    clientID,
		session:     session,
		log:         logger.Get(ctx).With(zap.String("clientID", clientID)),
		doneCh:      make(chan struct{}),
		inboundCh:   make(chan any, inboundBuffer),
		outboundCh:  make(chan any, outboundBuffer),
		interruptCh: make(chan struct{}, 1),
		subscribing: map[wire.PacketID]wire.QoS{},
	}
	if err := c.loadSession(); err != nil {
		return nil, err
	}
	c.group = parallel.NewGroup(ctx)

	connAckCh := make(chan *wire.ConnAck, 1)
	connect := &wire.Connect{
		ClientID:     clientID,
		CleanSession: !resumeSession,
	}
	connConfig := resonance.Config{
		MaxMessageSize: config.MaxMessageSize,
	}

	c.group.Spawn("client", parallel.Fail, func(ctx context.Context) error {
		defer close(c.doneCh)

		c.err = resonance.RunClient(ctx, config.Broker, connConfig,
			func(ctx context.Context, rc *resonance.Connection) error {
				return c.runConn(ctx, rc, connect, connAckCh)
			})
		return c.err
	})

	select {
	case <-ctx.Done():
		c.stopGroup()
		return nil, errors.WithStack(ctx.Err())
	case <-c.doneCh:
		c.stopGroup()
		if c.err != nil {
			return nil, errors.Wrapf(ErrConnect, "broker %s: %s", config.Broker, c.err)
		}
		return nil, errors.Wrapf(ErrConnect, "broker %s", config.Broker)
	case connAck := <-connAckCh:
		c.sessionPresent = connAck.SessionPresent
	}

	if err := c.resumeSession(ctx); err != nil {
		c.stopGroup()
		return nil, err
	}

	return c, nil
}

// SessionPresent reports whether the broker resumed the previous session.
func (c *Conn) SessionPresent() bool {
	return c.sessionPresent
}

// Subscribe subscribes to topics matching the pattern.
func (c *Conn) Subscribe(ctx context.Context, pattern string, qos wire.QoS) error {
	if !validPattern(pattern) {
		return errors.Errorf("invalid pattern %q", pattern)
	}
	if !qos.Valid() {
		return errors.Errorf("invalid QoS %d", qos)
	}

	packetID, err := c.newPacketID()
	if err != nil {
		return err
	}
	c.subscribing[packetID] = qos

	return c.send(ctx, &wire.Subscribe{
		PacketID: packetID,
		Pattern:  pattern,
		QoS:      qos,
	})
}

// Publish sends the payload to the topic. Only one publish may await acknowledgement.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos wire.QoS) error {
	if c.publishing != nil {
		return errors.Errorf("publish of packet %d is not acknowledged yet", c.publishing.Publish.PacketID)
	}
	if !validTopic(topic) {
		return errors.Errorf("invalid topic %q", topic)
	}
	if !qos.Valid() {
		return errors.Errorf("invalid QoS %d", qos)
	}

	msg := &wire.Publish{
		Topic:   topic,
		QoS:     qos,
		Payload: payload,
	}
	if qos != wire.QoSAtMostOnce {
		packetID, err := c.newPacketID()
		if err != nil {
			return err
		}
		msg.PacketID = packetID
		if err := c.session.SavePendingPublish(msg, false); err != nil {
			return err
		}
		c.publishing = &inflight{Publish: msg}
	}

	c.log.Debug("Sending publish",
		zap.String("topic", topic),
		zap.Uint64("packetID", uint64(msg.PacketID)),
		zap.Uint8("qos", uint8(qos)))

	return c.send(ctx, msg)
}

// Poll dispatches incoming messages to the handler until wait elapses or Interrupt is called.
func (c *Conn) Poll(ctx context.Context, wait time.Duration, handler EventHandler) (bool, error) {
	if c.stopped {
		return false, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, errors.WithStack(ctx.Err())
		case <-c.doneCh:
			return false, c.disconnectedErr()
		case <-c.interruptCh:
			return !c.stopped, nil
		case <-timer.C:
			return !c.stopped, nil
		case msg := <-c.inboundCh:
			if err := c.handle(ctx, msg, handler); err != nil {
				return false, err
			}
		}
	}
}

// PendingPublish returns the topic and payload of the publish awaiting acknowledgement.
func (c *Conn) PendingPublish() (string, []byte, bool) {
	if c.publishing == nil {
		return "", nil, false
	}
	return c.publishing.Publish.Topic, c.publishing.Publish.Payload, true
}

// Interrupt makes the current or next Poll return early. It is safe to call from any goroutine.
func (c *Conn) Interrupt() {
	select {
	case c.interruptCh <- struct{}{}:
	default:
	}
}

// Stop makes subsequent Poll calls return false.
func (c *Conn) Stop() {
	c.stopped = true
	c.Interrupt()
}

// IsPublishing reports whether a publish awaits its acknowledgement.
func (c *Conn) IsPublishing() bool {
	return c.publishing != nil
}

// IsSubscribing reports whether any subscription awaits its acknowledgement.
func (c *Conn) IsSubscribing() bool {
	return len(c.subscribing) > 0
}

// Close closes the connection.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopGroup()
	return nil
}

// stopGroup stops the connection goroutines. The cause of a disconnection is reported by Poll,
// so the result of the group is dropped here.
func (c *Conn) stopGroup() {
	c.group.Exit(nil)
	_ = c.group.Wait()
}

func (c *Conn) loadSession() error {
	lastPacketID, err := c.session.LastPacketID()
	if err != nil {
		return err
	}
	c.nextPacketID = lastPacketID

	c.receivedQoS2, err = c.session.LoadReceivedQoS2()
	if err != nil {
		return err
	}

	msg, released, err := c.session.LoadPendingPublish()
	if err != nil {
		return err
	}
	if msg != nil {
		c.publishing = &inflight{
			Publish:  msg,
			Released: released,
		}
	}
	return nil
}

// resumeSession continues the handshake of the pending publish if the broker kept the session,
// and forgets the session state otherwise.
func (c *Conn) resumeSession(ctx context.Context) error {
	if !c.sessionPresent {
		c.publishing = nil
		c.receivedQoS2 = map[wire.PacketID]struct{}{}
		return c.session.ClearSession()
	}
	if c.publishing == nil {
		return nil
	}

	c.log.Info("Resuming publish",
		zap.String("topic", c.publishing.Publish.Topic),
		zap.Uint64("packetID", uint64(c.publishing.Publish.PacketID)),
		zap.Bool("released", c.publishing.Released))

	if c.publishing.Released {
		return c.send(ctx, &wire.Ack{Type: wire.PubRel, PacketID: c.publishing.Publish.PacketID})
	}

	msg := *c.publishing.Publish
	msg.Duplicate = true
	return c.send(ctx, &msg)
}

func (c *Conn) runConn(
	ctx context.Context,
	rc *resonance.Connection,
	connect *wire.Connect,
	connAckCh chan<- *wire.ConnAck,
) error {
	m := wire.NewMarshaller()

	if err := rc.SendProton(connect, m); err != nil {
		return err
	}

	msg, err := rc.ReceiveProton(m)
	if err != nil {
		return err
	}

	connAck, ok := msg.(*wire.ConnAck)
	if !ok {
		return errors.New("connack message expected")
	}
	connAckCh <- connAck

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				msg, err := rc.ReceiveProton(m)
				if err != nil {
					return err
				}

				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case c.inboundCh <- msg:
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer rc.Close()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case msg := <-c.outboundCh:
					if err := rc.SendProton(msg, m); err != nil {
						return err
					}
				}
			}
		})

		return nil
	})
}

func (c *Conn) handle(ctx context.Context, msg any, handler EventHandler) error {
	switch msg := msg.(type) {
	case *wire.Publish:
		return c.handlePublish(ctx, msg, handler)
	case *wire.Ack:
		return c.handleAck(ctx, msg, handler)
	case *wire.SubAck:
		requested, exists := c.subscribing[msg.PacketID]
		if !exists {
			return errors.Errorf("unexpected suback for packet %d", msg.PacketID)
		}
		delete(c.subscribing, msg.PacketID)

		c.log.Debug("Subscribed",
			zap.Uint8("requestedQoS", uint8(requested)),
			zap.Uint8("grantedQoS", uint8(msg.QoS)))
		return nil
	default:
		return errors.Errorf("unexpected message %T", msg)
	}
}

func (c *Conn) handlePublish(ctx context.Context, msg *wire.Publish, handler EventHandler) error {
	switch msg.QoS {
	case wire.QoSAtMostOnce:
		return handler.OnMessageReceived(msg.Topic, msg.Payload)
	case wire.QoSAtLeastOnce:
		if err := handler.OnMessageReceived(msg.Topic, msg.Payload); err != nil {
			return err
		}
		return c.send(ctx, &wire.Ack{Type: wire.PubAck, PacketID: msg.PacketID})
	case wire.QoSExactlyOnce:
		if _, exists := c.receivedQoS2[msg.PacketID]; !exists {
			if err := handler.OnMessageReceived(msg.Topic, msg.Payload); err != nil {
				return err
			}
			if err := c.session.SaveReceivedQoS2(msg.PacketID); err != nil {
				return err
			}
			c.receivedQoS2[msg.PacketID] = struct{}{}
		}
		return c.send(ctx, &wire.Ack{Type: wire.PubRec, PacketID: msg.PacketID})
	default:
		return errors.Errorf("invalid QoS %d", msg.QoS)
	}
}

func (c *Conn) handleAck(ctx context.Context, msg *wire.Ack, handler EventHandler) error {
	switch msg.Type {
	case wire.PubAck:
		if !c.awaits(msg.PacketID, wire.QoSAtLeastOnce, false) {
			return errors.Errorf("unexpected puback for packet %d", msg.PacketID)
		}
		return c.acknowledged(handler)
	case wire.PubRec:
		if !c.awaits(msg.PacketID, wire.QoSExactlyOnce, false) {
			return errors.Errorf("unexpected pubrec for packet %d", msg.PacketID)
		}
		if err := c.session.SavePendingPublish(c.publishing.Publish, true); err != nil {
			return err
		}
		c.publishing.Released = true
		return c.send(ctx, &wire.Ack{Type: wire.PubRel, PacketID: msg.PacketID})
	case wire.PubComp:
		if !c.awaits(msg.PacketID, wire.QoSExactlyOnce, true) {
			return errors.Errorf("unexpected pubcomp for packet %d", msg.PacketID)
		}
		return c.acknowledged(handler)
	case wire.PubRel:
		if err := c.session.DeleteReceivedQoS2(msg.PacketID); err != nil {
			return err
		}
		delete(c.receivedQoS2, msg.PacketID)
		return c.send(ctx, &wire.Ack{Type: wire.PubComp, PacketID: msg.PacketID})
	default:
		return errors.Errorf("invalid ack type %d", msg.Type)
	}
}

func (c *Conn) acknowledged(handler EventHandler) error {
	if err := handler.OnPublishAcknowledged(); err != nil {
		return err
	}
	if err := c.session.DeletePendingPublish(); err != nil {
		return err
	}
	c.publishing = nil
	return nil
}

func (c *Conn) awaits(packetID wire.PacketID, qos wire.QoS, released bool) bool {
	return c.publishing != nil &&
		c.publishing.Publish.PacketID == packetID &&
		c.publishing.Publish.QoS == qos &&
		c.publishing.Released == released
}

func (c *Conn) send(ctx context.Context, msg any) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-c.doneCh:
		return c.disconnectedErr()
	case c.outboundCh <- msg:
		return nil
	}
}

func (c *Conn) newPacketID() (wire.PacketID, error) {
	c.nextPacketID++
	if err := c.session.SavePacketID(c.nextPacketID); err != nil {
		return 0, err
	}
	return c.nextPacketID, nil
}

func (c *Conn) disconnectedErr() error {
	if c.err != nil {
		return errors.Wrap(ErrDisconnected, c.err.Error())
	}
	return errors.WithStack(ErrDisconnected)
}
