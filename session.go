package numbers

import "github.com/outofforest/numbers/wire"

// SessionStore keeps the client side of the broker session, so the QoS handshakes survive
// reconnections and restarts of the process.
//
// Stored are the last packet ID used, the publish awaiting acknowledgement and the IDs of
// QoS 2 messages received but not released yet. Methods are called from the goroutine using
// the connection. Writes must be durable before they return.
type SessionStore interface {
	// LastPacketID returns the last packet ID used by the client.
	LastPacketID() (wire.PacketID, error)

	// SavePacketID stores the last packet ID used by the client.
	SavePacketID(id wire.PacketID) error

	// LoadPendingPublish returns the publish awaiting acknowledgement, nil if there is none.
	// Released is true if PubRel has been sent for it.
	LoadPendingPublish() (msg *wire.Publish, released bool, err error)

	// SavePendingPublish stores the publish awaiting acknowledgement.
	SavePendingPublish(msg *wire.Publish, released bool) error

	// DeletePendingPublish removes the publish once it is acknowledged.
	DeletePendingPublish() error

	// LoadReceivedQoS2 returns IDs of QoS 2 messages received and not released yet.
	LoadReceivedQoS2() (map[wire.PacketID]struct{}, error)

	// SaveReceivedQoS2 marks the QoS 2 message as received.
	SaveReceivedQoS2(id wire.PacketID) error

	// DeleteReceivedQoS2 is called once the QoS 2 message is released.
	DeleteReceivedQoS2(id wire.PacketID) error

	// ClearSession removes all the session state. It is called when the broker has no session.
	ClearSession() error
}
