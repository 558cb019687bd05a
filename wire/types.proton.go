package wire

import (
	"reflect"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id2 uint64 = iota + 1
	id1
	id5
	id4
	id3
	id0
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Connect{},
		ConnAck{},
		Subscribe{},
		SubAck{},
		Publish{},
		Ack{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Connect:
		return id2, nil
	case *ConnAck:
		return id1, nil
	case *Subscribe:
		return id5, nil
	case *SubAck:
		return id4, nil
	case *Publish:
		return id3, nil
	case *Ack:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Connect:
		return size2(msg2), nil
	case *ConnAck:
		return size1(msg2), nil
	case *Subscribe:
		return size5(msg2), nil
	case *SubAck:
		return size4(msg2), nil
	case *Publish:
		return size3(msg2), nil
	case *Ack:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Connect:
		return id2, marshal2(msg2, buf), nil
	case *ConnAck:
		return id1, marshal1(msg2, buf), nil
	case *Subscribe:
		return id5, marshal5(msg2, buf), nil
	case *SubAck:
		return id4, marshal4(msg2, buf), nil
	case *Publish:
		return id3, marshal3(msg2, buf), nil
	case *Ack:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id2:
		msg := &Connect{}
		return msg, unmarshal2(msg, buf), nil
	case id1:
		msg := &ConnAck{}
		return msg, unmarshal1(msg, buf), nil
	case id5:
		msg := &Subscribe{}
		return msg, unmarshal5(msg, buf), nil
	case id4:
		msg := &SubAck{}
		return msg, unmarshal4(msg, buf), nil
	case id3:
		msg := &Publish{}
		return msg, unmarshal3(msg, buf), nil
	case id0:
		msg := &Ack{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Connect:
		return id2, makePatch2(msg2, msgSrc.(*Connect), buf), nil
	case *ConnAck:
		return id1, makePatch1(msg2, msgSrc.(*ConnAck), buf), nil
	case *Subscribe:
		return id5, makePatch5(msg2, msgSrc.(*Subscribe), buf), nil
	case *SubAck:
		return id4, makePatch4(msg2, msgSrc.(*SubAck), buf), nil
	case *Publish:
		return id3, makePatch3(msg2, msgSrc.(*Publish), buf), nil
	case *Ack:
		return id0, makePatch0(msg2, msgSrc.(*Ack), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Connect:
		return applyPatch2(msg2, buf), nil
	case *ConnAck:
		return applyPatch1(msg2, buf), nil
	case *Subscribe:
		return applyPatch5(msg2, buf), nil
	case *SubAck:
		return applyPatch4(msg2, buf), nil
	case *Publish:
		return applyPatch3(msg2, buf), nil
	case *Ack:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Ack) uint64 {
	var n uint64 = 2
	{
		// PacketID

		helpers.UInt64Size(m.PacketID, &n)
	}
	return n
}

func marshal0(m *Ack, b []byte) uint64 {
	var o uint64
	{
		// Type

		b[o] = byte(m.Type)
		o++
	}
	{
		// PacketID

		helpers.UInt64Marshal(m.PacketID, b, &o)
	}

	return o
}

func unmarshal0(m *Ack, b []byte) uint64 {
	var o uint64
	{
		// Type

		m.Type = AckType(b[o])
		o++
	}
	{
		// PacketID

		helpers.UInt64Unmarshal(&m.PacketID, b, &o)
	}

	return o
}

func makePatch0(m, mSrc *Ack, b []byte) uint64 {
	var o uint64 = 1
	{
		// Type

		if m.Type == mSrc.Type {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			b[o] = byte(m.Type)
			o++
		}
	}
	{
		// PacketID

		if m.PacketID == mSrc.PacketID {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.PacketID, b, &o)
		}
	}

	return o
}

func applyPatch0(m *Ack, b []byte) uint64 {
	var o uint64 = 1
	{
		// Type

		if b[0]&0x01 != 0 {
			m.Type = AckType(b[o])
			o++
		}
	}
	{
		// PacketID

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.PacketID, b, &o)
		}
	}

	return o
}

func size1(m *ConnAck) uint64 {
	var n uint64 = 1
	return n
}

func marshal1(m *ConnAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// SessionPresent

		if m.SessionPresent {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}

	return o
}

func unmarshal1(m *ConnAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// SessionPresent

		m.SessionPresent = b[0]&0x01 != 0
	}

	return o
}

func makePatch1(m, mSrc *ConnAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// SessionPresent

		if m.SessionPresent == mSrc.SessionPresent {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
		}
	}

	return o
}

func applyPatch1(m *ConnAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// SessionPresent

		if b[0]&0x01 != 0 {
			m.SessionPresent = !m.SessionPresent
		}
	}

	return o
}

func size2(m *Connect) uint64 {
	var n uint64 = 2
	{
		// ClientID

		{
			l := uint64(len(m.ClientID))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal2(m *Connect, b []byte) uint64 {
	var o uint64 = 1
	{
		// ClientID

		{
			l := uint64(len(m.ClientID))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.ClientID)
			o += l
		}
	}
	{
		// CleanSession

		if m.CleanSession {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}

	return o
}

func unmarshal2(m *Connect, b []byte) uint64 {
	var o uint64 = 1
	{
		// ClientID

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.ClientID = string(b[o : o+l])
				o += l
			}
		}
	}
	{
		// CleanSession

		m.CleanSession = b[0]&0x01 != 0
	}

	return o
}

func makePatch2(m, mSrc *Connect, b []byte) uint64 {
	var o uint64 = 2
	{
		// ClientID

		if m.ClientID == mSrc.ClientID {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.ClientID))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.ClientID)
				o += l
			}
		}
	}
	{
		// CleanSession

		if m.CleanSession == mSrc.CleanSession {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}

	return o
}

func applyPatch2(m *Connect, b []byte) uint64 {
	var o uint64 = 2
	{
		// ClientID

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.ClientID = string(b[o : o+l])
					o += l
				} else {
					m.ClientID = ""
				}
			}
		}
	}
	{
		// CleanSession

		if b[1]&0x01 != 0 {
			m.CleanSession = !m.CleanSession
		}
	}

	return o
}

func size3(m *Publish) uint64 {
	var n uint64 = 5
	{
		// PacketID

		helpers.UInt64Size(m.PacketID, &n)
	}
	{
		// Topic

		{
			l := uint64(len(m.Topic))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Payload

		l := uint64(len(m.Payload))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal3(m *Publish, b []byte) uint64 {
	var o uint64 = 1
	{
		// PacketID

		helpers.UInt64Marshal(m.PacketID, b, &o)
	}
	{
		// Topic

		{
			l := uint64(len(m.Topic))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Topic)
			o += l
		}
	}
	{
		// QoS

		b[o] = byte(m.QoS)
		o++
	}
	{
		// Duplicate

		if m.Duplicate {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}
	{
		// Payload

		l := uint64(len(m.Payload))
		helpers.UInt64Marshal(l, b, &o)
		copy(b[o:o+l], m.Payload)
		o += l
	}

	return o
}

func unmarshal3(m *Publish, b []byte) uint64 {
	var o uint64 = 1
	{
		// PacketID

		helpers.UInt64Unmarshal(&m.PacketID, b, &o)
	}
	{
		// Topic

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Topic = string(b[o : o+l])
				o += l
			}
		}
	}
	{
		// QoS

		m.QoS = QoS(b[o])
		o++
	}
	{
		// Duplicate

		m.Duplicate = b[0]&0x01 != 0
	}
	{
		// Payload

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Payload = make([]byte, l)
			copy(m.Payload, b[o:o+l])
			o += l
		}
	}

	return o
}

func makePatch3(m, mSrc *Publish, b []byte) uint64 {
	var o uint64 = 2
	{
		// PacketID

		if m.PacketID == mSrc.PacketID {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.PacketID, b, &o)
		}
	}
	{
		// Topic

		if m.Topic == mSrc.Topic {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Topic))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Topic)
				o += l
			}
		}
	}
	{
		// QoS

		if m.QoS == mSrc.QoS {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			b[o] = byte(m.QoS)
			o++
		}
	}
	{
		// Duplicate

		if m.Duplicate == mSrc.Duplicate {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}
	{
		// Payload

		if reflect.DeepEqual(m.Payload, mSrc.Payload) {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			l := uint64(len(m.Payload))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Payload)
			o += l
		}
	}

	return o
}

func applyPatch3(m *Publish, b []byte) uint64 {
	var o uint64 = 2
	{
		// PacketID

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.PacketID, b, &o)
		}
	}
	{
		// Topic

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Topic = string(b[o : o+l])
					o += l
				} else {
					m.Topic = ""
				}
			}
		}
	}
	{
		// QoS

		if b[0]&0x04 != 0 {
			m.QoS = QoS(b[o])
			o++
		}
	}
	{
		// Duplicate

		if b[1]&0x01 != 0 {
			m.Duplicate = !m.Duplicate
		}
	}
	{
		// Payload

		if b[0]&0x08 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Payload = make([]byte, l)
				copy(m.Payload, b[o:o+l])
				o += l
			} else {
				m.Payload = nil
			}
		}
	}

	return o
}

func size4(m *SubAck) uint64 {
	var n uint64 = 2
	{
		// PacketID

		helpers.UInt64Size(m.PacketID, &n)
	}
	return n
}

func marshal4(m *SubAck, b []byte) uint64 {
	var o uint64
	{
		// PacketID

		helpers.UInt64Marshal(m.PacketID, b, &o)
	}
	{
		// QoS

		b[o] = byte(m.QoS)
		o++
	}

	return o
}

func unmarshal4(m *SubAck, b []byte) uint64 {
	var o uint64
	{
		// PacketID

		helpers.UInt64Unmarshal(&m.PacketID, b, &o)
	}
	{
		// QoS

		m.QoS = QoS(b[o])
		o++
	}

	return o
}

func makePatch4(m, mSrc *SubAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// PacketID

		if m.PacketID == mSrc.PacketID {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.PacketID, b, &o)
		}
	}
	{
		// QoS

		if m.QoS == mSrc.QoS {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			b[o] = byte(m.QoS)
			o++
		}
	}

	return o
}

func applyPatch4(m *SubAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// PacketID

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.PacketID, b, &o)
		}
	}
	{
		// QoS

		if b[0]&0x02 != 0 {
			m.QoS = QoS(b[o])
			o++
		}
	}

	return o
}

func size5(m *Subscribe) uint64 {
	var n uint64 = 3
	{
		// PacketID

		helpers.UInt64Size(m.PacketID, &n)
	}
	{
		// Pattern

		{
			l := uint64(len(m.Pattern))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal5(m *Subscribe, b []byte) uint64 {
	var o uint64
	{
		// PacketID

		helpers.UInt64Marshal(m.PacketID, b, &o)
	}
	{
		// Pattern

		{
			l := uint64(len(m.Pattern))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Pattern)
			o += l
		}
	}
	{
		// QoS

		b[o] = byte(m.QoS)
		o++
	}

	return o
}

func unmarshal5(m *Subscribe, b []byte) uint64 {
	var o uint64
	{
		// PacketID

		helpers.UInt64Unmarshal(&m.PacketID, b, &o)
	}
	{
		// Pattern

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Pattern = string(b[o : o+l])
				o += l
			}
		}
	}
	{
		// QoS

		m.QoS = QoS(b[o])
		o++
	}

	return o
}

func makePatch5(m, mSrc *Subscribe, b []byte) uint64 {
	var o uint64 = 1
	{
		// PacketID

		if m.PacketID == mSrc.PacketID {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.PacketID, b, &o)
		}
	}
	{
		// Pattern

		if m.Pattern == mSrc.Pattern {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Pattern))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Pattern)
				o += l
			}
		}
	}
	{
		// QoS

		if m.QoS == mSrc.QoS {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			b[o] = byte(m.QoS)
			o++
		}
	}

	return o
}

func applyPatch5(m *Subscribe, b []byte) uint64 {
	var o uint64 = 1
	{
		// PacketID

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.PacketID, b, &o)
		}
	}
	{
		// Pattern

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Pattern = string(b[o : o+l])
					o += l
				} else {
					m.Pattern = ""
				}
			}
		}
	}
	{
		// QoS

		if b[0]&0x04 != 0 {
			m.QoS = QoS(b[o])
			o++
		}
	}

	return o
}
