package numbers_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/numbers"
	"github.com/outofforest/numbers/store"
	"github.com/outofforest/numbers/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

const (
	maxMsgSize = 1024
	root       = "numbers"
)

var qosLevels = []wire.QoS{wire.QoSAtMostOnce, wire.QoSAtLeastOnce, wire.QoSExactlyOnce}

func TestSinglePeerDeliversNumbers(t *testing.T) {
	for _, qos := range qosLevels {
		t.Run(strconv.Itoa(int(qos)), func(t *testing.T) {
			requireT := require.New(t)

			ctx := qa.NewContext(t)
			group := qa.NewGroup(ctx, t)

			defer func() {
				group.Exit(nil)
				requireT.NoError(group.Wait())
			}()

			dialerConfig := startBroker(t, group)
			numbersCh := startObserver(ctx, t, group, dialerConfig, qos, "a")

			s := openStore(t, 1)
			requireT.NoError(runPeers(ctx, t, dialerConfig, qos, 10, map[string]*store.Store{"a": s}))

			testNumbers(ctx, requireT, numbersCh, 1, 10)
			requireProgress(requireT, s, 10, "a")
		})
	}
}

func TestTwoPeersDeliverNumbers(t *testing.T) {
	for _, qos := range []wire.QoS{wire.QoSAtLeastOnce, wire.QoSExactlyOnce} {
		t.Run(strconv.Itoa(int(qos)), func(t *testing.T) {
			requireT := require.New(t)

			ctx := qa.NewContext(t)
			group := qa.NewGroup(ctx, t)

			defer func() {
				group.Exit(nil)
				requireT.NoError(group.Wait())
			}()

			dialerConfig := startBroker(t, group)

			storeA := openStore(t, 2)
			storeB := openStore(t, 2)

			// Sessions are registered upfront, so numbers published before the other peer
			// connects are queued for it by the broker.
			registerSession(ctx, t, dialerConfig, storeA, qos, "a")
			registerSession(ctx, t, dialerConfig, storeB, qos, "b")
			requireT.NoError(runPeers(ctx, t, dialerConfig, qos, 20, map[string]*store.Store{
				"a": storeA,
				"b": storeB,
			}))

			requireProgress(requireT, storeA, 20, "a", "b")
			requireProgress(requireT, storeB, 20, "a", "b")
		})
	}
}

func TestRestartContinuesSequence(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dialerConfig := startBroker(t, group)
	numbersCh := startObserver(ctx, t, group, dialerConfig, wire.QoSAtLeastOnce, "a")

	config := store.DefaultConfig()
	config.Path = t.TempDir()

	s, err := store.Open(config)
	requireT.NoError(err)
	requireT.NoError(runPeers(ctx, t, dialerConfig, wire.QoSAtLeastOnce, 3, map[string]*store.Store{"a": s}))
	requireT.NoError(s.Close())

	testNumbers(ctx, requireT, numbersCh, 1, 3)

	s, err = store.Open(config)
	requireT.NoError(err)
	defer s.Close()

	requireT.NoError(runPeers(ctx, t, dialerConfig, wire.QoSAtLeastOnce, 6, map[string]*store.Store{"a": s}))

	testNumbers(ctx, requireT, numbersCh, 4, 6)
	requireProgress(requireT, s, 6, "a")
}

func TestSessionIsResumed(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dialerConfig := startBroker(t, group)
	s := openStore(t, 1)

	conn, err := numbers.Dial(ctx, dialerConfig, s, "a", true)
	requireT.NoError(err)
	requireT.False(conn.SessionPresent())
	requireT.NoError(conn.Close())

	conn, err = numbers.Dial(ctx, dialerConfig, s, "a", true)
	requireT.NoError(err)
	requireT.True(conn.SessionPresent())
	requireT.NoError(conn.Close())

	conn, err = numbers.Dial(ctx, dialerConfig, s, "a", false)
	requireT.NoError(err)
	requireT.False(conn.SessionPresent())
	requireT.NoError(conn.Close())
}

func TestOfflineSessionReceivesQueuedMessages(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dialerConfig := startBroker(t, group)
	subscriberStore := openStore(t, 1)
	registerSession(ctx, t, dialerConfig, subscriberStore, wire.QoSExactlyOnce, "b")

	publisher, err := numbers.Dial(ctx, dialerConfig, openStore(t, 1), "a", false)
	requireT.NoError(err)
	requireT.NoError(publisher.Publish(ctx, "numbers/a", []byte("5"), wire.QoSAtLeastOnce))

	h := &collector{}
	for publisher.IsPublishing() {
		_, err := publisher.Poll(ctx, 10*time.Millisecond, h)
		requireT.NoError(err)
	}
	requireT.Equal(1, h.Acks)
	requireT.NoError(publisher.Close())

	subscriber, err := numbers.Dial(ctx, dialerConfig, subscriberStore, "b", true)
	requireT.NoError(err)
	defer subscriber.Close()
	requireT.True(subscriber.SessionPresent())

	h = &collector{}
	deadline := time.Now().Add(5 * time.Second)
	for len(h.Received) == 0 && time.Now().Before(deadline) {
		_, err := subscriber.Poll(ctx, 10*time.Millisecond, h)
		requireT.NoError(err)
	}
	requireT.Equal([]string{"numbers/a:5"}, h.Received)
}

func TestConnectFailure(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)
	addr := ls.Addr().String()
	requireT.NoError(ls.Close())

	_, err = numbers.Dial(ctx, numbers.DialerConfig{
		Broker:         addr,
		MaxMessageSize: maxMsgSize,
	}, openStore(t, 1), "a", true)
	requireT.ErrorIs(err, numbers.ErrConnect)
}

func TestSessionTakeover(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dialerConfig := startBroker(t, group)
	s := openStore(t, 1)

	first, err := numbers.Dial(ctx, dialerConfig, s, "a", true)
	requireT.NoError(err)
	defer first.Close()

	second, err := numbers.Dial(ctx, dialerConfig, s, "a", true)
	requireT.NoError(err)
	defer second.Close()
	requireT.True(second.SessionPresent())

	_, err = first.Poll(ctx, 10*time.Second, &collector{})
	requireT.ErrorIs(err, numbers.ErrDisconnected)

	requireT.NoError(second.Subscribe(ctx, numbers.SubscribePattern(root), wire.QoSAtLeastOnce))
	waitSubscribed(ctx, t, second)
}

func TestPendingPublishIsResentOnResume(t *testing.T) {
	for _, qos := range []wire.QoS{wire.QoSAtLeastOnce, wire.QoSExactlyOnce} {
		t.Run(strconv.Itoa(int(qos)), func(t *testing.T) {
			requireT := require.New(t)

			ctx := qa.NewContext(t)
			group := qa.NewGroup(ctx, t)

			defer func() {
				group.Exit(nil)
				requireT.NoError(group.Wait())
			}()

			dialerConfig := startBroker(t, group)
			subscriberStore := openStore(t, 1)
			registerSession(ctx, t, dialerConfig, subscriberStore, wire.QoSExactlyOnce, "b")

			publisherStore := openStore(t, 1)
			publisher, err := numbers.Dial(ctx, dialerConfig, publisherStore, "a", true)
			requireT.NoError(err)
			requireT.NoError(publisher.Publish(ctx, "numbers/a", []byte("7"), qos))

			// Connection is dropped before the acknowledgement is processed.
			requireT.NoError(publisher.Close())

			publisher, err = numbers.Dial(ctx, dialerConfig, publisherStore, "a", true)
			requireT.NoError(err)
			defer publisher.Close()
			requireT.True(publisher.SessionPresent())
			requireT.True(publisher.IsPublishing())

			topic, payload, ok := publisher.PendingPublish()
			requireT.True(ok)
			requireT.Equal("numbers/a", topic)
			requireT.Equal([]byte("7"), payload)

			h := &collector{}
			deadline := time.Now().Add(5 * time.Second)
			for publisher.IsPublishing() {
				requireT.True(time.Now().Before(deadline), "acknowledgement timeout")
				_, err := publisher.Poll(ctx, 10*time.Millisecond, h)
				requireT.NoError(err)
			}
			requireT.Equal(1, h.Acks)

			pending, _, err := publisherStore.LoadPendingPublish()
			requireT.NoError(err)
			requireT.Nil(pending)

			subscriber, err := numbers.Dial(ctx, dialerConfig, subscriberStore, "b", true)
			requireT.NoError(err)
			defer subscriber.Close()

			h = &collector{}
			deadline = time.Now().Add(time.Second)
			for time.Now().Before(deadline) {
				_, err := subscriber.Poll(ctx, 10*time.Millisecond, h)
				requireT.NoError(err)
			}

			if qos == wire.QoSExactlyOnce {
				requireT.Equal([]string{"numbers/a:7"}, h.Received)
				return
			}
			requireT.NotEmpty(h.Received)
			for _, r := range h.Received {
				requireT.Equal("numbers/a:7", r)
			}
		})
	}
}

func TestPollReturnsOnInterrupt(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dialerConfig := startBroker(t, group)

	conn, err := numbers.Dial(ctx, dialerConfig, openStore(t, 1), "a", false)
	requireT.NoError(err)
	defer conn.Close()

	requireT.NoError(conn.Subscribe(ctx, numbers.SubscribePattern(root), wire.QoSAtLeastOnce))
	waitSubscribed(ctx, t, conn)

	requireT.NoError(conn.Publish(ctx, "numbers/a", []byte("1"), wire.QoSAtLeastOnce))

	h := &interrupter{
		conn:  conn,
		topic: "numbers/a",
	}
	start := time.Now()
	ok, err := conn.Poll(ctx, 10*time.Second, h)
	requireT.NoError(err)
	requireT.True(ok)
	requireT.True(h.received)
	requireT.Less(time.Since(start), 5*time.Second)

	group.Spawn("interrupt", parallel.Continue, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
		conn.Interrupt()
		return nil
	})

	start = time.Now()
	ok, err = conn.Poll(ctx, 10*time.Second, &collector{})
	requireT.NoError(err)
	requireT.True(ok)
	requireT.Less(time.Since(start), 5*time.Second)

	conn.Stop()
	ok, err = conn.Poll(ctx, 10*time.Second, &collector{})
	requireT.NoError(err)
	requireT.False(ok)
}

func TestDriverDoesNotWaitOutPollTimeout(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dialerConfig := startBroker(t, group)
	s := openStore(t, 1)

	const pollTimeout = 2 * time.Second

	// Only the first poll, before anything is published, waits the whole timeout.
	// Every later one is cut short by the acknowledgement or the echo.
	start := time.Now()
	requireT.NoError(runPeersWithConfig(ctx, t, dialerConfig, map[string]*store.Store{"a": s},
		func(config *numbers.Config) {
			config.QoS = wire.QoSAtLeastOnce
			config.MaxNumber = 5
			config.PollTimeout = pollTimeout
		}))
	requireT.Less(time.Since(start), 3*pollTimeout)

	requireProgress(requireT, s, 5, "a")
}

func startBroker(t *testing.T, group *parallel.Group) numbers.DialerConfig {
	ls, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	group.Spawn("broker", parallel.Fail, func(ctx context.Context) error {
		return numbers.RunServer(ctx, ls, numbers.ServerConfig{
			MaxMessageSize: maxMsgSize,
		})
	})

	return numbers.DialerConfig{
		Broker:         ls.Addr().String(),
		MaxMessageSize: maxMsgSize,
	}
}

func openStore(t *testing.T, expectedTopics int) *store.Store {
	config := store.DefaultConfig()
	config.ExpectedTopics = expectedTopics

	s, err := store.Open(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func registerSession(
	ctx context.Context,
	t *testing.T,
	dialerConfig numbers.DialerConfig,
	session numbers.SessionStore,
	qos wire.QoS,
	clientID string,
) {
	conn, err := numbers.Dial(ctx, dialerConfig, session, clientID, true)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Subscribe(ctx, numbers.SubscribePattern(root), qos))
	waitSubscribed(ctx, t, conn)
}

func waitSubscribed(ctx context.Context, t *testing.T, conn *numbers.Conn) {
	deadline := time.Now().Add(5 * time.Second)
	for conn.IsSubscribing() {
		require.True(t, time.Now().Before(deadline), "subscription timeout")
		_, err := conn.Poll(ctx, 10*time.Millisecond, &collector{})
		require.NoError(t, err)
	}
}

// startObserver subscribes to the root and forwards numbers published by the peer.
func startObserver(
	ctx context.Context,
	t *testing.T,
	group *parallel.Group,
	dialerConfig numbers.DialerConfig,
	qos wire.QoS,
	peerID string,
) <-chan uint64 {
	conn, err := numbers.Dial(ctx, dialerConfig, openStore(t, 1), "observer", false)
	require.NoError(t, err)

	require.NoError(t, conn.Subscribe(ctx, numbers.SubscribePattern(root), qos))
	waitSubscribed(ctx, t, conn)

	numbersCh := make(chan uint64, 100)
	h := &observer{
		topic:     numbers.PublishTopic(root, peerID),
		numbersCh: numbersCh,
	}
	group.Spawn("observer", parallel.Fail, func(ctx context.Context) error {
		defer conn.Close()

		for {
			if _, err := conn.Poll(ctx, time.Second, h); err != nil {
				if ctx.Err() != nil {
					return errors.WithStack(ctx.Err())
				}
				return err
			}
		}
	})

	return numbersCh
}

func runPeers(
	ctx context.Context,
	t *testing.T,
	dialerConfig numbers.DialerConfig,
	qos wire.QoS,
	maxNumber uint64,
	stores map[string]*store.Store,
) error {
	return runPeersWithConfig(ctx, t, dialerConfig, stores, func(config *numbers.Config) {
		config.QoS = qos
		config.MaxNumber = maxNumber
	})
}

func runPeersWithConfig(
	ctx context.Context,
	t *testing.T,
	dialerConfig numbers.DialerConfig,
	stores map[string]*store.Store,
	configure func(config *numbers.Config),
) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for peerID, s := range stores {
			config := numbers.DefaultConfig()
			config.Root = root
			config.PeerID = peerID
			configure(&config)

			dialer, err := numbers.NewDialer(dialerConfig, s)
			require.NoError(t, err)

			d, err := numbers.NewDriver(config, s, dialer)
			require.NoError(t, err)

			spawn(peerID, parallel.Continue, d.Run)
		}
		return nil
	})
}

func requireProgress(requireT *require.Assertions, s *store.Store, maxNumber uint64, peers ...string) {
	published, err := s.LastPublished()
	requireT.NoError(err)
	requireT.Equal(maxNumber, published)

	expected := map[string]uint64{}
	for _, p := range peers {
		expected[numbers.PublishTopic(root, p)] = maxNumber
	}
	received, err := s.Received()
	requireT.NoError(err)
	requireT.Equal(expected, received)
}

func testNumbers(ctx context.Context, requireT *require.Assertions, numbersCh <-chan uint64, from, to uint64) {
	received := make([]uint64, 0, to-from+1)
	expected := make([]uint64, 0, to-from+1)
	for n := from; n <= to; n++ {
		expected = append(expected, n)

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			requireT.Fail("timeout")
		case n := <-numbersCh:
			received = append(received, n)
		}
	}

	requireT.Equal(expected, received)
}

type observer struct {
	topic     string
	numbersCh chan<- uint64
}

func (o *observer) OnMessageReceived(topic string, payload []byte) error {
	if topic != o.topic {
		return nil
	}
	n, err := strconv.ParseUint(string(payload), 10, 64)
	if err != nil {
		return err
	}
	o.numbersCh <- n
	return nil
}

func (o *observer) OnPublishAcknowledged() error {
	return nil
}

type collector struct {
	Received []string
	Acks     int
}

func (c *collector) OnMessageReceived(topic string, payload []byte) error {
	c.Received = append(c.Received, topic+":"+string(payload))
	return nil
}

func (c *collector) OnPublishAcknowledged() error {
	c.Acks++
	return nil
}

type interrupter struct {
	conn     *numbers.Conn
	topic    string
	received bool
}

func (i *interrupter) OnMessageReceived(topic string, payload []byte) error {
	if topic == i.topic {
		i.received = true
		i.conn.Interrupt()
	}
	return nil
}

func (i *interrupter) OnPublishAcknowledged() error {
	return nil
}
