// Package tftp implements the RFC 1350 packet format.
package tftp

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Opcode identifies the kind of a packet.
type Opcode uint16

// op codes
const (
	OpRRQ Opcode = iota + 1
	OpWRQ
	OpData
	OpAck
	OpError
)

func (op Opcode) String() string {
	switch op {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(op))
	}
}

const (
	// BlockSize is the fixed DATA payload size. A shorter payload ends a transfer.
	BlockSize = 512
	// HeaderSize is the opcode plus block number prefix of DATA and ACK packets.
	HeaderSize = 4
	// MaxDatagramSize bounds the buffer used to receive any packet.
	MaxDatagramSize = 1024
)

// Packet is one of *PacketRequest, *PacketData, *PacketAck or *PacketError.
type Packet interface {
	Opcode() Opcode
	Serialize() []byte
}

// PacketRequest is a RRQ or WRQ.
type PacketRequest struct {
	Op       Opcode
	Filename string
	Mode     string
}

// PacketData carries one block of a file.
type PacketData struct {
	BlockNum uint16
	Data     []byte
}

// PacketAck acknowledges a DATA block, or a WRQ when BlockNum is 0.
type PacketAck struct {
	BlockNum uint16
}

// PacketError reports a failure to the peer and ends the transfer.
type PacketError struct {
	Code uint16
	Msg  string
}

func (p *PacketRequest) Opcode() Opcode { return p.Op }
func (p *PacketData) Opcode() Opcode    { return OpData }
func (p *PacketAck) Opcode() Opcode     { return OpAck }
func (p *PacketError) Opcode() Opcode   { return OpError }

// Serialize encodes the request as opcode | filename | 0 | mode | 0.
func (p *PacketRequest) Serialize() []byte {
	b := make([]byte, 2, 2+len(p.Filename)+1+len(p.Mode)+1)
	binary.BigEndian.PutUint16(b, uint16(p.Op))
	b = append(b, p.Filename...)
	b = append(b, 0)
	b = append(b, p.Mode...)
	return append(b, 0)
}

// Serialize encodes the block as opcode | block | payload.
func (p *PacketData) Serialize() []byte {
	b := make([]byte, HeaderSize+len(p.Data))
	binary.BigEndian.PutUint16(b, uint16(OpData))
	binary.BigEndian.PutUint16(b[2:], p.BlockNum)
	copy(b[HeaderSize:], p.Data)
	return b
}

// Serialize encodes the ack as opcode | block.
func (p *PacketAck) Serialize() []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(b, uint16(OpAck))
	binary.BigEndian.PutUint16(b[2:], p.BlockNum)
	return b
}

// Serialize encodes the error as opcode | code | message | 0.
func (p *PacketError) Serialize() []byte {
	b := make([]byte, 4, 4+len(p.Msg)+1)
	binary.BigEndian.PutUint16(b, uint16(OpError))
	binary.BigEndian.PutUint16(b[2:], p.Code)
	b = append(b, p.Msg...)
	return append(b, 0)
}

// ParsePacket decodes a single datagram. The returned packet does not alias b.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, errors.Wrap(ErrMalformedPacket, "missing opcode")
	}
	op := Opcode(binary.BigEndian.Uint16(b))
	switch op {
	case OpRRQ, OpWRQ:
		return parseRequest(op, b[2:])
	case OpData:
		if len(b) < HeaderSize {
			return nil, errors.Wrap(ErrMalformedPacket, "DATA shorter than header")
		}
		if len(b)-HeaderSize > BlockSize {
			return nil, errors.Wrapf(ErrPayloadTooLarge, "%d byte DATA payload", len(b)-HeaderSize)
		}
		data := make([]byte, len(b)-HeaderSize)
		copy(data, b[HeaderSize:])
		return &PacketData{
			BlockNum: binary.BigEndian.Uint16(b[2:]),
			Data:     data,
		}, nil
	case OpAck:
		if len(b) != HeaderSize {
			return nil, errors.Wrapf(ErrMalformedPacket, "ACK of %d bytes", len(b))
		}
		return &PacketAck{BlockNum: binary.BigEndian.Uint16(b[2:])}, nil
	case OpError:
		if len(b) < HeaderSize {
			return nil, errors.Wrap(ErrMalformedPacket, "ERROR shorter than header")
		}
		msg, rest, err := cstring(b[HeaderSize:])
		if err != nil {
			return nil, errors.Wrap(err, "parse error message failed")
		}
		if len(rest) != 0 {
			return nil, errors.Wrap(ErrMalformedPacket, "trailing bytes after error message")
		}
		return &PacketError{
			Code: binary.BigEndian.Uint16(b[2:]),
			Msg:  msg,
		}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownOpcode, "opcode %d", uint16(op))
	}
}

// parseRequest reads filename and mode. Anything after the mode terminator is
// option negotiation, which is not supported and therefore ignored.
func parseRequest(op Opcode, b []byte) (*PacketRequest, error) {
	filename, rest, err := cstring(b)
	if err != nil {
		return nil, errors.Wrap(err, "parse filename failed")
	}
	mode, _, err := cstring(rest)
	if err != nil {
		return nil, errors.Wrap(err, "parse mode failed")
	}
	return &PacketRequest{
		Op:       op,
		Filename: filename,
		Mode:     mode,
	}, nil
}

func cstring(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, errors.Wrap(ErrMalformedPacket, "missing NUL terminator")
	}
	return string(b[:i]), b[i+1:], nil
}
