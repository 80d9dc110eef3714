// Package wire encodes and decodes the packet-stream format that rides on
// top of every uplink and downlink byte channel: the EPC-96 tag ID field,
// Read OpSpec results, and BlockWrite OpSpec payloads all carry zero or more
// of these checksummed packets back to back.
package wire

import (
	"errors"

	"github.com/wisp-ert/wtp/seq"
	"github.com/wisp-ert/wtp/wirecodec"
)

// Type identifies the kind of packet framed on the wire.
type Type uint8

const (
	TypeEnd       Type = 0x00 // no more packets in this stream
	TypeOpen      Type = 0x01
	TypeClose     Type = 0x02
	TypeAck       Type = 0x03
	TypeBeginMsg  Type = 0x04
	TypeContMsg   Type = 0x05
	TypeReqUplink Type = 0x06
	TypeSetParam  Type = 0x07
)

// Parameter codes carried by TypeSetParam.
const (
	ParamWindowSize uint8 = 0x00 // u16 value
	ParamReadSize   uint8 = 0x01 // u8 value
)

var (
	// ErrUnknownType is returned when decoding an unrecognized packet type.
	ErrUnknownType = errors.New("wire: unknown packet type")
)

// Packet is a decoded view of one framed packet. Only the fields relevant to
// its Type are populated.
type Packet struct {
	Type Type

	Seq     seq.Value // TypeAck, TypeBeginMsg, TypeContMsg
	MsgSize uint16    // TypeBeginMsg
	Payload []byte    // TypeBeginMsg, TypeContMsg

	NReads   uint8 // TypeReqUplink
	ReadSize uint8 // TypeReqUplink

	ParamCode  uint8  // TypeSetParam
	ParamValue uint16 // TypeSetParam
}

// BuildOpen encodes a TypeOpen packet.
func BuildOpen() []byte { return buildHeaderOnly(TypeOpen) }

// BuildClose encodes a TypeClose packet.
func BuildClose() []byte { return buildHeaderOnly(TypeClose) }

func buildHeaderOnly(t Type) []byte {
	b := wirecodec.NewBuffer(nil, wirecodec.XOR)
	b.BeginChecksum()
	b.WriteUint8(uint8(t))
	b.WriteChecksum()
	return b.Bytes()
}

// BuildAck encodes a TypeAck packet carrying the receiver's current
// sequence number (how much of the peer's reliable stream has been
// consumed).
func BuildAck(s seq.Value) []byte {
	b := wirecodec.NewBuffer(nil, wirecodec.XOR)
	b.BeginChecksum()
	b.WriteUint8(uint8(TypeAck))
	b.WriteUint16(uint16(s))
	b.WriteChecksum()
	return b.Bytes()
}

// BuildBeginMsg encodes the first fragment of a message, which carries the
// total message size so the receiver knows when reassembly is complete.
func BuildBeginMsg(s seq.Value, msgSize uint16, payload []byte) []byte {
	b := wirecodec.NewBuffer(nil, wirecodec.XOR)
	b.BeginChecksum()
	b.WriteUint8(uint8(TypeBeginMsg))
	b.WriteUint16(msgSize)
	b.WriteUint16(uint16(s))
	b.WriteUint8(uint8(len(payload)))
	b.Write(payload)
	b.WriteChecksum()
	return b.Bytes()
}

// BuildContMsg encodes a continuation fragment of a message already begun by
// a BuildBeginMsg fragment.
func BuildContMsg(s seq.Value, payload []byte) []byte {
	b := wirecodec.NewBuffer(nil, wirecodec.XOR)
	b.BeginChecksum()
	b.WriteUint8(uint8(TypeContMsg))
	b.WriteUint16(uint16(s))
	b.WriteUint8(uint8(len(payload)))
	b.Write(payload)
	b.WriteChecksum()
	return b.Bytes()
}

// BuildReqUplink encodes a request for n Read OpSpecs of the given size.
// Only the tag side emits this in practice; the server side builds it in
// tests and simulation doubles.
func BuildReqUplink(n, size uint8) []byte {
	b := wirecodec.NewBuffer(nil, wirecodec.XOR)
	b.BeginChecksum()
	b.WriteUint8(uint8(TypeReqUplink))
	b.WriteUint8(n)
	b.WriteUint8(size)
	b.WriteChecksum()
	return b.Bytes()
}

// BuildSetParamU8 encodes a TypeSetParam packet carrying a one-byte value,
// used for ParamReadSize.
func BuildSetParamU8(code uint8, value uint8) []byte {
	b := wirecodec.NewBuffer(nil, wirecodec.XOR)
	b.BeginChecksum()
	b.WriteUint8(uint8(TypeSetParam))
	b.WriteUint8(code)
	b.WriteUint8(value)
	b.WriteChecksum()
	return b.Bytes()
}

// BuildSetParamU16 encodes a TypeSetParam packet carrying a two-byte value,
// used for ParamWindowSize.
func BuildSetParamU16(code uint8, value uint16) []byte {
	b := wirecodec.NewBuffer(nil, wirecodec.XOR)
	b.BeginChecksum()
	b.WriteUint8(uint8(TypeSetParam))
	b.WriteUint8(code)
	b.WriteUint16(value)
	b.WriteChecksum()
	return b.Bytes()
}
