package numbers

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/numbers/wire"
)

// State is the state of the driver.
type State int

// Driver states.
const (
	StateConnecting State = iota
	StateSubscribing
	StatePolling
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ProgressStore keeps the highest numbers published and received by the peer.
// Every write must be durable before the method returns.
type ProgressStore interface {
	LastPublished() (uint64, error)
	RecordPublished(n uint64) error
	LastReceived(topic string) (uint64, error)
	RecordReceived(topic string, n uint64) error
	IsDoneReceiving(maxNumber uint64) (bool, error)
}

// Config is the config of the driver.
type Config struct {
	Root        string
	PeerID      string
	QoS         wire.QoS
	MaxNumber   uint64
	PollTimeout time.Duration
}

// DefaultConfig returns default driver config.
func DefaultConfig() Config {
	return Config{
		Root:        "numbers",
		QoS:         wire.QoSAtLeastOnce,
		PollTimeout: 200 * time.Millisecond,
	}
}

// Driver publishes consecutive numbers to the peer's topic and tracks numbers published by
// all the peers under the root until both streams reach the max number.
type Driver struct {
	config           Config
	store            ProgressStore
	dialer           Dialer
	publishTopic     string
	subscribePattern string

	state                   State
	previousPublishedNumber uint64
}

// NewDriver creates new driver.
func NewDriver(config Config, store ProgressStore, dialer Dialer) (*Driver, error) {
	switch {
	case config.Root == "":
		return nil, errors.New("topic root is empty")
	case config.PeerID == "":
		return nil, errors.New("peer ID is empty")
	case !validTopic(PublishTopic(config.Root, config.PeerID)):
		return nil, errors.Errorf("invalid topic %q", PublishTopic(config.Root, config.PeerID))
	case !config.QoS.Valid():
		return nil, errors.Errorf("invalid QoS %d", config.QoS)
	case config.MaxNumber == 0:
		return nil, errors.New("max number must be greater than 0")
	case config.PollTimeout <= 0:
		return nil, errors.New("poll timeout must be positive")
	}

	return &Driver{
		config:           config,
		store:            store,
		dialer:           dialer,
		publishTopic:     PublishTopic(config.Root, config.PeerID),
		subscribePattern: SubscribePattern(config.Root),
		state:            StateClosed,
	}, nil
}

// State returns the current state of the driver.
func (d *Driver) State() State {
	return d.state
}

// Run runs the driver until all the numbers are published and received.
func (d *Driver) Run(ctx context.Context) (retErr error) {
	log := logger.Get(ctx).With(zap.String("clientID", d.config.PeerID))

	lastPublished, err := d.store.LastPublished()
	if err != nil {
		return err
	}
	if err := d.setPreviousPublishedNumber(lastPublished); err != nil {
		return err
	}

	d.setState(log, StateConnecting)
	conn, err := d.dialer.Connect(ctx, d.config.PeerID, true)
	if err != nil {
		d.setState(log, StateClosed)
		return err
	}
	defer func() {
		d.setState(log, StateClosed)
		if err := conn.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	log.Info("Connected",
		zap.Bool("sessionPresent", conn.SessionPresent()),
		zap.Uint64("lastPublished", lastPublished))

	if err := d.resumePending(log, conn); err != nil {
		return err
	}

	if !conn.SessionPresent() {
		d.setState(log, StateSubscribing)
		if err := conn.Subscribe(ctx, d.subscribePattern, d.config.QoS); err != nil {
			return err
		}
	}

	d.setState(log, StatePolling)
	h := handler{
		driver: d,
		conn:   conn,
		log:    log,
	}
	for {
		ok, err := conn.Poll(ctx, d.config.PollTimeout, h)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := d.tick(ctx, log, conn); err != nil {
			return err
		}
	}
}

func (d *Driver) setPreviousPublishedNumber(n uint64) error {
	if n > d.config.MaxNumber {
		return errors.Wrapf(ErrBeyondMaxNumber, "number %d, max number %d", n, d.config.MaxNumber)
	}
	d.previousPublishedNumber = n
	return nil
}

// resumePending takes over the publish left unacknowledged by the previous run, so its
// acknowledgement records the right number.
func (d *Driver) resumePending(log *zap.Logger, conn Connection) error {
	topic, payload, ok := conn.PendingPublish()
	if !ok || topic != d.publishTopic {
		return nil
	}

	n, err := readPayload(payload)
	if err != nil {
		return errors.WithMessagef(err, "topic %q", topic)
	}
	if n <= d.previousPublishedNumber {
		return nil
	}

	log.Info("Waiting for pending publish", zap.Uint64("number", n))
	return d.setPreviousPublishedNumber(n)
}

func (d *Driver) tick(ctx context.Context, log *zap.Logger, conn Connection) error {
	if conn.IsPublishing() {
		return nil
	}

	finished, err := d.finished()
	if err != nil {
		return err
	}
	if finished {
		d.setState(log, StateDraining)
		conn.Stop()
		return nil
	}

	if d.finishedPublishing() {
		return nil
	}

	canPublishNext, err := d.canPublishNext()
	if err != nil || !canPublishNext {
		return err
	}

	return d.publishNext(ctx, log, conn)
}

func (d *Driver) publishNext(ctx context.Context, log *zap.Logger, conn Connection) error {
	n := d.previousPublishedNumber + 1
	d.previousPublishedNumber = n

	// No acknowledgement ever arrives for QoS 0.
	if d.config.QoS == wire.QoSAtMostOnce {
		if err := d.store.RecordPublished(n); err != nil {
			return err
		}
	}

	log.Info(">> broker: Delivering", zap.Uint64("number", n), zap.String("topic", d.publishTopic))
	return conn.Publish(ctx, d.publishTopic, makePayload(n), d.config.QoS)
}

// canPublishNext keeps at most one number ahead of the echo of our own topic.
func (d *Driver) canPublishNext() (bool, error) {
	lastReceived, err := d.store.LastReceived(d.publishTopic)
	if err != nil {
		return false, err
	}
	return lastReceived >= d.previousPublishedNumber, nil
}

func (d *Driver) finished() (bool, error) {
	if !d.finishedPublishing() {
		return false, nil
	}
	return d.store.IsDoneReceiving(d.config.MaxNumber)
}

func (d *Driver) finishedPublishing() bool {
	return d.previousPublishedNumber >= d.config.MaxNumber
}

func (d *Driver) setState(log *zap.Logger, state State) {
	if d.state == state {
		return
	}
	log.Debug("Driver state changed", zap.Stringer("from", d.state), zap.Stringer("to", state))
	d.state = state
}

type handler struct {
	driver *Driver
	conn   Connection
	log    *zap.Logger
}

func (h handler) OnMessageReceived(topic string, payload []byte) error {
	n, err := readPayload(payload)
	if err != nil {
		return errors.WithMessagef(err, "topic %q", topic)
	}
	if err := h.driver.store.RecordReceived(topic, n); err != nil {
		return err
	}

	h.log.Info("<< broker: Received", zap.Uint64("number", n), zap.String("topic", topic))

	if topic == h.driver.publishTopic {
		h.conn.Interrupt()
	}
	return nil
}

func (h handler) OnPublishAcknowledged() error {
	if err := h.driver.store.RecordPublished(h.driver.previousPublishedNumber); err != nil {
		return err
	}
	h.conn.Interrupt()
	return nil
}
