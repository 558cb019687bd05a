package numbers

import (
	"context"
	"net"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/numbers/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

var errSessionTakenOver = errors.New("session taken over by another connection")

type delivery struct {
	Publish  *wire.Publish
	Sent     bool
	Released bool
}

type sessionConn struct {
	wakeCh  chan struct{}
	closeCh chan struct{}
}

type session struct {
	clientID     string
	clean        bool
	conn         *sessionConn
	queue        []any
	nextPacketID wire.PacketID

	subscriptions map[string]wire.QoS
	inflight      map[wire.PacketID]*delivery
	receivedQoS2  map[wire.PacketID]struct{}
}

func newSession(clientID string, clean bool) *session {
	return &session{
		clientID:      clientID,
		clean:         clean,
		subscriptions: map[string]wire.QoS{},
		inflight:      map[wire.PacketID]*delivery{},
		receivedQoS2:  map[wire.PacketID]struct{}{},
	}
}

func (s *session) enqueue(msg any) {
	if s.conn == nil {
		return
	}
	s.queue = append(s.queue, msg)
	select {
	case s.conn.wakeCh <- struct{}{}:
	default:
	}
}

func (s *session) newPacketID() wire.PacketID {
	s.nextPacketID++
	return s.nextPacketID
}

// subscribedQoS returns the highest QoS of subscriptions matching the topic.
func (s *session) subscribedQoS(topic string) (wire.QoS, bool) {
	var qos wire.QoS
	var found bool
	for pattern, subQoS := range s.subscriptions {
		if topicMatches(pattern, topic) {
			found = true
			qos = max(qos, subQoS)
		}
	}
	return qos, found
}

type brokerSessions struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newBrokerSessions() *brokerSessions {
	return &brokerSessions{
		sessions: map[string]*session{},
	}
}

// Attach binds new connection to the session of the client, creating the session if needed.
func (b *brokerSessions) Attach(clientID string, clean bool) (*session, *sessionConn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.sessions[clientID]
	if exists && s.conn != nil {
		close(s.conn.closeCh)
		s.conn = nil
		s.queue = nil
	}

	sessionPresent := exists && !clean
	if !sessionPresent {
		s = newSession(clientID, clean)
		b.sessions[clientID] = s
	}
	s.clean = clean

	conn := &sessionConn{
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	s.conn = conn

	packetIDs := lo.Keys(s.inflight)
	slices.Sort(packetIDs)
	for _, packetID := range packetIDs {
		d := s.inflight[packetID]
		if d.Released {
			s.enqueue(&wire.Ack{Type: wire.PubRel, PacketID: packetID})
			continue
		}

		msg := *d.Publish
		msg.Duplicate = d.Sent
		d.Sent = true
		s.enqueue(&msg)
	}

	return s, conn, sessionPresent
}

// Detach unbinds the connection from the session.
func (b *brokerSessions) Detach(s *session, conn *sessionConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.conn != conn {
		return
	}
	s.conn = nil
	s.queue = nil

	if s.clean && b.sessions[s.clientID] == s {
		delete(b.sessions, s.clientID)
	}
}

// Take returns messages queued for the connection.
func (b *brokerSessions) Take(s *session, conn *sessionConn) []any {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.conn != conn {
		return nil
	}
	msgs := s.queue
	s.queue = nil
	return msgs
}

// Handle processes message received from the client.
func (b *brokerSessions) Handle(s *session, conn *sessionConn, msg any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.conn != conn {
		return errors.WithStack(errSessionTakenOver)
	}

	switch msg := msg.(type) {
	case *wire.Subscribe:
		if !validPattern(msg.Pattern) {
			return errors.Errorf("invalid pattern %q", msg.Pattern)
		}
		if !msg.QoS.Valid() {
			return errors.Errorf("invalid QoS %d", msg.QoS)
		}
		s.subscriptions[msg.Pattern] = msg.QoS
		s.enqueue(&wire.SubAck{PacketID: msg.PacketID, QoS: msg.QoS})
	case *wire.Publish:
		if !validTopic(msg.Topic) {
			return errors.Errorf("invalid topic %q", msg.Topic)
		}
		switch msg.QoS {
		case wire.QoSAtMostOnce:
			b.route(msg)
		case wire.QoSAtLeastOnce:
			b.route(msg)
			s.enqueue(&wire.Ack{Type: wire.PubAck, PacketID: msg.PacketID})
		case wire.QoSExactlyOnce:
			if _, exists := s.receivedQoS2[msg.PacketID]; !exists {
				b.route(msg)
				s.receivedQoS2[msg.PacketID] = struct{}{}
			}
			s.enqueue(&wire.Ack{Type: wire.PubRec, PacketID: msg.PacketID})
		default:
			return errors.Errorf("invalid QoS %d", msg.QoS)
		}
	case *wire.Ack:
		return b.handleAck(s, msg)
	default:
		return errors.Errorf("unexpected message %T", msg)
	}

	return nil
}

func (b *brokerSessions) handleAck(s *session, msg *wire.Ack) error {
	switch msg.Type {
	case wire.PubAck:
		if d, exists := s.inflight[msg.PacketID]; exists && d.Publish.QoS == wire.QoSAtLeastOnce {
			delete(s.inflight, msg.PacketID)
		}
	case wire.PubRec:
		d, exists := s.inflight[msg.PacketID]
		if !exists || d.Publish.QoS != wire.QoSExactlyOnce {
			return errors.Errorf("unexpected pubrec for packet %d", msg.PacketID)
		}
		d.Released = true
		s.enqueue(&wire.Ack{Type: wire.PubRel, PacketID: msg.PacketID})
	case wire.PubComp:
		if d, exists := s.inflight[msg.PacketID]; exists && d.Released {
			delete(s.inflight, msg.PacketID)
		}
	case wire.PubRel:
		delete(s.receivedQoS2, msg.PacketID)
		s.enqueue(&wire.Ack{Type: wire.PubComp, PacketID: msg.PacketID})
	default:
		return errors.Errorf("invalid ack type %d", msg.Type)
	}
	return nil
}

// route delivers the message to all the sessions subscribed to its topic.
func (b *brokerSessions) route(msg *wire.Publish) {
	for _, s := range b.sessions {
		subQoS, subscribed := s.subscribedQoS(msg.Topic)
		if !subscribed {
			continue
		}

		qos := min(msg.QoS, subQoS)
		if qos == wire.QoSAtMostOnce {
			s.enqueue(&wire.Publish{
				Topic:   msg.Topic,
				QoS:     qos,
				Payload: msg.Payload,
			})
			continue
		}

		d := &delivery{
			Publish: &wire.Publish{
				PacketID: s.newPacketID(),
				Topic:    msg.Topic,
				QoS:      qos,
				Payload:  msg.Payload,
			},
			Sent: s.conn != nil,
		}
		s.inflight[d.Publish.PacketID] = d
		s.enqueue(d.Publish)
	}
}

// ServerConfig defines broker configuration.
type ServerConfig struct {
	MaxMessageSize uint64
}

// RunServer runs broker.
func RunServer(ctx context.Context, ls net.Listener, config ServerConfig) error {
	sessions := newBrokerSessions()
	connConfig := resonance.Config{
		MaxMessageSize: config.MaxMessageSize,
	}

	logger.Get(ctx).Info("Broker started", zap.Stringer("address", ls.Addr()))

	return resonance.RunServer(ctx, ls, connConfig,
		func(ctx context.Context, c *resonance.Connection) error {
			return runServerConn(ctx, c, sessions)
		})
}

func runServerConn(
	ctx context.Context,
	c *resonance.Connection,
	sessions *brokerSessions,
) error {
	m := wire.NewMarshaller()

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	connectMsg, ok := msg.(*wire.Connect)
	if !ok {
		return errors.New("connect message expected")
	}
	if connectMsg.ClientID == "" {
		return errors.New("client ID is empty")
	}

	s, conn, sessionPresent := sessions.Attach(connectMsg.ClientID, connectMsg.CleanSession)

	log := logger.Get(ctx).With(zap.String("clientID", connectMsg.ClientID))
	log.Info("Client connected", zap.Bool("sessionPresent", sessionPresent))

	if err := c.SendProton(&wire.ConnAck{SessionPresent: sessionPresent}, m); err != nil {
		sessions.Detach(s, conn)
		return err
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer sessions.Detach(s, conn)

			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				if err := sessions.Handle(s, conn, msg); err != nil {
					return err
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer c.Close()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-conn.closeCh:
					log.Info("Session taken over")
					return errors.WithStack(errSessionTakenOver)
				case <-conn.wakeCh:
				}

				for _, msg := range sessions.Take(s, conn) {
					if err := c.SendProton(msg, m); err != nil {
						return err
					}
				}
			}
		})

		return nil
	})
}
