package store

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/outofforest/numbers/wire"
)

// Session state lives under its own prefix, next to the progress.
var (
	prefixSession      = []byte("s/")
	keyPacketID        = []byte("s/id")
	keyPendingPublish  = []byte("s/pub")
	prefixReceivedQoS2 = []byte("s/q2/")
)

const (
	pendingSent     byte = 0x00
	pendingReleased byte = 0x01
)

// LastPacketID returns the last packet ID used by the client.
func (s *Store) LastPacketID() (wire.PacketID, error) {
	id, err := s.get(keyPacketID)
	return wire.PacketID(id), err
}

// SavePacketID stores the last packet ID used by the client.
func (s *Store) SavePacketID(id wire.PacketID) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(id))
	return errors.WithStack(s.db.Put(keyPacketID, v[:], s.wo))
}

// LoadPendingPublish returns the publish awaiting acknowledgement.
func (s *Store) LoadPendingPublish() (*wire.Publish, bool, error) {
	v, err := s.db.Get(keyPendingPublish, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	if len(v) == 0 {
		return nil, false, errors.New("pending publish is empty")
	}

	m := wire.NewMarshaller()
	id, err := m.ID(&wire.Publish{})
	if err != nil {
		return nil, false, err
	}
	msg, _, err := m.Unmarshal(id, v[1:])
	if err != nil {
		return nil, false, err
	}
	return msg.(*wire.Publish), v[0] == pendingReleased, nil
}

// SavePendingPublish stores the publish awaiting acknowledgement.
func (s *Store) SavePendingPublish(msg *wire.Publish, released bool) error {
	m := wire.NewMarshaller()
	size, err := m.Size(msg)
	if err != nil {
		return err
	}

	v := make([]byte, size+1)
	if released {
		v[0] = pendingReleased
	} else {
		v[0] = pendingSent
	}
	if _, _, err := m.Marshal(msg, v[1:]); err != nil {
		return err
	}
	return errors.WithStack(s.db.Put(keyPendingPublish, v, s.wo))
}

// DeletePendingPublish removes the acknowledged publish.
func (s *Store) DeletePendingPublish() error {
	return errors.WithStack(s.db.Delete(keyPendingPublish, s.wo))
}

// LoadReceivedQoS2 returns IDs of QoS 2 messages received and not released yet.
func (s *Store) LoadReceivedQoS2() (map[wire.PacketID]struct{}, error) {
	ids := map[wire.PacketID]struct{}{}

	it := s.db.NewIterator(util.BytesPrefix(prefixReceivedQoS2), nil)
	defer it.Release()

	for it.Next() {
		id, err := decode(it.Key()[len(prefixReceivedQoS2):])
		if err != nil {
			return nil, err
		}
		ids[wire.PacketID(id)] = struct{}{}
	}

	return ids, errors.WithStack(it.Error())
}

// SaveReceivedQoS2 marks the QoS 2 message as received.
func (s *Store) SaveReceivedQoS2(id wire.PacketID) error {
	return errors.WithStack(s.db.Put(receivedQoS2Key(id), nil, s.wo))
}

// DeleteReceivedQoS2 forgets the released QoS 2 message.
func (s *Store) DeleteReceivedQoS2(id wire.PacketID) error {
	return errors.WithStack(s.db.Delete(receivedQoS2Key(id), s.wo))
}

// ClearSession removes the session state. Progress is kept.
func (s *Store) ClearSession() error {
	batch := new(leveldb.Batch)

	it := s.db.NewIterator(util.BytesPrefix(prefixSession), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(s.db.Write(batch, s.wo))
}

func receivedQoS2Key(id wire.PacketID) []byte {
	key := make([]byte, len(prefixReceivedQoS2)+8)
	copy(key, prefixReceivedQoS2)
	binary.BigEndian.PutUint64(key[len(prefixReceivedQoS2):], uint64(id))
	return key
}
