package wire

import (
	"github.com/wisp-ert/wtp/seq"
	"github.com/wisp-ert/wtp/wirecodec"
)

// Handler is called once per successfully decoded packet in a stream.
type Handler func(Packet) error

// ParseStream decodes packets back to back out of data until it hits a
// TypeEnd marker, runs out of bytes, or finds one with an invalid checksum.
// A checksum failure silently stops parsing the remainder of the stream (the
// malformed bytes, and anything after them in this stream, are dropped) but
// packets already handled keep their effects; it is not reported as an
// error to the caller.
func ParseStream(data []byte, handle Handler) error {
	b := wirecodec.NewBuffer(data, wirecodec.XOR)
	for b.Remaining() > 0 {
		b.BeginChecksum()
		typByte, err := b.ReadByte()
		if err != nil {
			return nil
		}
		typ := Type(typByte)
		if typ == TypeEnd {
			return nil
		}
		pkt, err := decodeBody(b, typ)
		if err != nil {
			return nil
		}
		if err := b.ValidateChecksum(); err != nil {
			return nil
		}
		if err := handle(pkt); err != nil {
			return err
		}
	}
	return nil
}

func decodeBody(b *wirecodec.Buffer, typ Type) (Packet, error) {
	pkt := Packet{Type: typ}
	switch typ {
	case TypeOpen, TypeClose:
		// no body
	case TypeAck:
		s, err := b.ReadUint16()
		if err != nil {
			return pkt, err
		}
		pkt.Seq = seq.Value(s)
	case TypeBeginMsg:
		msgSize, err := b.ReadUint16()
		if err != nil {
			return pkt, err
		}
		s, err := b.ReadUint16()
		if err != nil {
			return pkt, err
		}
		n, err := b.ReadUint8()
		if err != nil {
			return pkt, err
		}
		payload, err := b.ReadN(int(n))
		if err != nil {
			return pkt, err
		}
		pkt.MsgSize = msgSize
		pkt.Seq = seq.Value(s)
		pkt.Payload = payload
	case TypeContMsg:
		s, err := b.ReadUint16()
		if err != nil {
			return pkt, err
		}
		n, err := b.ReadUint8()
		if err != nil {
			return pkt, err
		}
		payload, err := b.ReadN(int(n))
		if err != nil {
			return pkt, err
		}
		pkt.Seq = seq.Value(s)
		pkt.Payload = payload
	case TypeReqUplink:
		n, err := b.ReadUint8()
		if err != nil {
			return pkt, err
		}
		sz, err := b.ReadUint8()
		if err != nil {
			return pkt, err
		}
		pkt.NReads = n
		pkt.ReadSize = sz
	case TypeSetParam:
		code, err := b.ReadUint8()
		if err != nil {
			return pkt, err
		}
		pkt.ParamCode = code
		if code == ParamWindowSize {
			v, err := b.ReadUint16()
			if err != nil {
				return pkt, err
			}
			pkt.ParamValue = v
		} else {
			v, err := b.ReadUint8()
			if err != nil {
				return pkt, err
			}
			pkt.ParamValue = uint16(v)
		}
	default:
		return pkt, ErrUnknownType
	}
	return pkt, nil
}
