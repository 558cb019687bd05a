package wire

type (
	// QoS defines the delivery guarantee of a published message.
	QoS uint8

	// PacketID identifies a message within a QoS handshake.
	PacketID uint64

	// AckType defines the step of the QoS handshake carried by Ack.
	AckType uint8
)

// QoS levels.
const (
	// QoSAtMostOnce is fire-and-forget delivery.
	QoSAtMostOnce QoS = iota
	// QoSAtLeastOnce is acknowledged delivery which may be duplicated.
	QoSAtLeastOnce
	// QoSExactlyOnce is delivery confirmed by the four-step handshake.
	QoSExactlyOnce
)

// Ack types.
const (
	// PubAck acknowledges QoS 1 publish.
	PubAck AckType = iota + 1
	// PubRec confirms reception of QoS 2 publish.
	PubRec
	// PubRel releases QoS 2 publish.
	PubRel
	// PubComp completes QoS 2 handshake.
	PubComp
)

// Valid reports whether qos is one of the supported levels.
func (q QoS) Valid() bool {
	return q <= QoSExactlyOnce
}

// Connect is the first message sent by the client.
type Connect struct {
	ClientID     string
	CleanSession bool
}

// ConnAck is the broker's reply to Connect.
type ConnAck struct {
	SessionPresent bool
}

// Subscribe registers interest in topics matching the pattern.
type Subscribe struct {
	PacketID PacketID
	Pattern  string
	QoS      QoS
}

// SubAck confirms subscription and reports granted QoS.
type SubAck struct {
	PacketID PacketID
	QoS      QoS
}

// Publish carries application payload.
type Publish struct {
	PacketID  PacketID
	Topic     string
	QoS       QoS
	Duplicate bool
	Payload   []byte
}

// Ack carries one step of the QoS 1 or QoS 2 handshake.
type Ack struct {
	Type     AckType
	PacketID PacketID
}
