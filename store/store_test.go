package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreZero(t *testing.T) {
	requireT := require.New(t)

	s, err := Open(DefaultConfig())
	requireT.NoError(err)
	defer s.Close()

	published, err := s.LastPublished()
	requireT.NoError(err)
	requireT.Zero(published)

	received, err := s.LastReceived("numbers/a")
	requireT.NoError(err)
	requireT.Zero(received)

	done, err := s.IsDoneReceiving(1)
	requireT.NoError(err)
	requireT.False(done)
}

func TestHighestPublishedWins(t *testing.T) {
	requireT := require.New(t)

	s, err := Open(DefaultConfig())
	requireT.NoError(err)
	defer s.Close()

	requireT.NoError(s.RecordPublished(3))
	requireT.NoError(s.RecordPublished(3))
	requireT.NoError(s.RecordPublished(2))

	published, err := s.LastPublished()
	requireT.NoError(err)
	requireT.EqualValues(3, published)

	requireT.NoError(s.RecordPublished(4))

	published, err = s.LastPublished()
	requireT.NoError(err)
	requireT.EqualValues(4, published)
}

func TestHighestReceivedWinsPerTopic(t *testing.T) {
	requireT := require.New(t)

	s, err := Open(DefaultConfig())
	requireT.NoError(err)
	defer s.Close()

	requireT.NoError(s.RecordReceived("numbers/a", 5))
	requireT.NoError(s.RecordReceived("numbers/a", 2))
	requireT.NoError(s.RecordReceived("numbers/b", 1))

	received, err := s.Received()
	requireT.NoError(err)
	requireT.Equal(map[string]uint64{
		"numbers/a": 5,
		"numbers/b": 1,
	}, received)

	n, err := s.LastReceived("numbers/a")
	requireT.NoError(err)
	requireT.EqualValues(5, n)

	requireT.Error(s.RecordReceived("", 1))
}

func TestIsDoneReceiving(t *testing.T) {
	requireT := require.New(t)

	config := DefaultConfig()
	config.ExpectedTopics = 2
	s, err := Open(config)
	requireT.NoError(err)
	defer s.Close()

	requireT.NoError(s.RecordReceived("numbers/a", 3))

	done, err := s.IsDoneReceiving(3)
	requireT.NoError(err)
	requireT.False(done)

	requireT.NoError(s.RecordReceived("numbers/b", 2))

	done, err = s.IsDoneReceiving(3)
	requireT.NoError(err)
	requireT.False(done)

	requireT.NoError(s.RecordReceived("numbers/b", 3))

	done, err = s.IsDoneReceiving(3)
	requireT.NoError(err)
	requireT.True(done)

	requireT.NoError(s.RecordReceived("numbers/c", 1))

	done, err = s.IsDoneReceiving(3)
	requireT.NoError(err)
	requireT.False(done)
}

func TestProgressSurvivesReopen(t *testing.T) {
	requireT := require.New(t)

	config := DefaultConfig()
	config.Path = t.TempDir()

	s, err := Open(config)
	requireT.NoError(err)
	requireT.NoError(s.RecordPublished(7))
	requireT.NoError(s.RecordReceived("numbers/a", 6))
	requireT.NoError(s.Close())

	s, err = Open(config)
	requireT.NoError(err)
	defer s.Close()

	published, err := s.LastPublished()
	requireT.NoError(err)
	requireT.EqualValues(7, published)

	received, err := s.LastReceived("numbers/a")
	requireT.NoError(err)
	requireT.EqualValues(6, received)
}

func TestInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.ExpectedTopics = 0

	_, err := Open(config)
	require.Error(t, err)
}
