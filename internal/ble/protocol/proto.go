// Package protocol implements the protobuf-style framing spoken over the
// reader's GATT command and response characteristics.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Op identifies a reader command.
type Op uint32

const (
	OpKeyExchange  Op = 1
	OpOpenSession  Op = 2
	OpCloseSession Op = 3
	OpGetRegion    Op = 4
	OpSetRegion    Op = 5
	OpListRegions  Op = 6
)

func (o Op) String() string {
	switch o {
	case OpKeyExchange:
		return "key-exchange"
	case OpOpenSession:
		return "open-session"
	case OpCloseSession:
		return "close-session"
	case OpGetRegion:
		return "get-region"
	case OpSetRegion:
		return "set-region"
	case OpListRegions:
		return "list-regions"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// Status is the result code carried by a ResponsePacket.
type Status uint32

const (
	StatusOK                  Status = 0
	StatusRegionNotConfigured Status = 1
	StatusPasswordError       Status = 2
	StatusBatchMode           Status = 3
	StatusFailed              Status = 4
	StatusUnknownOp           Status = 5
)

// CommandPacket is a request written to the command characteristic.
//
//	field 1 (uint32): op
//	field 2 (uint32): seq
//	field 3 (bytes):  data
type CommandPacket struct {
	Op   Op
	Seq  uint32
	Data []byte
}

// ResponsePacket is a notification received on the response characteristic.
//
//	field 1 (uint32): op
//	field 2 (uint32): seq
//	field 3 (uint32): status
//	field 4 (bytes):  data
//	field 5 (string): message
type ResponsePacket struct {
	Op      Op
	Seq     uint32
	Status  Status
	Data    []byte
	Message string
}

// MarshalCommandPacket encodes a CommandPacket.
func MarshalCommandPacket(p CommandPacket) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(p.Op))
	buf = appendVarintField(buf, 2, uint64(p.Seq))
	if len(p.Data) > 0 {
		buf = appendBytesField(buf, 3, p.Data)
	}
	return buf
}

// UnmarshalCommandPacket decodes a CommandPacket.
func UnmarshalCommandPacket(data []byte) (*CommandPacket, error) {
	p := &CommandPacket{}
	err := walkFields(data, func(field uint8, val uint64, raw []byte) {
		switch field {
		case 1:
			p.Op = Op(val)
		case 2:
			p.Seq = uint32(val)
		case 3:
			p.Data = cloneBytes(raw)
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MarshalResponsePacket encodes a ResponsePacket.
func MarshalResponsePacket(p ResponsePacket) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(p.Op))
	buf = appendVarintField(buf, 2, uint64(p.Seq))
	buf = appendVarintField(buf, 3, uint64(p.Status))
	if len(p.Data) > 0 {
		buf = appendBytesField(buf, 4, p.Data)
	}
	if p.Message != "" {
		buf = appendBytesField(buf, 5, []byte(p.Message))
	}
	return buf
}

// UnmarshalResponsePacket decodes a ResponsePacket from raw protobuf bytes.
func UnmarshalResponsePacket(data []byte) (*ResponsePacket, error) {
	resp := &ResponsePacket{}
	err := walkFields(data, func(field uint8, val uint64, raw []byte) {
		switch field {
		case 1:
			resp.Op = Op(val)
		case 2:
			resp.Seq = uint32(val)
		case 3:
			resp.Status = Status(val)
		case 4:
			resp.Data = cloneBytes(raw)
		case 5:
			resp.Message = string(raw)
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// walkFields decodes data field by field. Varint fields arrive in val,
// length-delimited ones in raw. Unknown field numbers are passed through
// and ignored by callers.
func walkFields(data []byte, fn func(field uint8, val uint64, raw []byte)) error {
	for len(data) > 0 {
		tag, n, err := readVarint(data)
		if err != nil {
			return fmt.Errorf("protocol: reading tag: %w", err)
		}
		data = data[n:]
		fieldNum := uint8(tag >> 3)
		wireType := uint8(tag & 0x07)

		switch wireType {
		case 0: // varint
			val, n, err := readVarint(data)
			if err != nil {
				return fmt.Errorf("protocol: reading varint for field %d: %w", fieldNum, err)
			}
			data = data[n:]
			fn(fieldNum, val, nil)
		case 2: // length-delimited
			if len(data) < 1 {
				return errors.New("protocol: truncated length")
			}
			length, n, err := readVarint(data)
			if err != nil {
				return fmt.Errorf("protocol: reading length for field %d: %w", fieldNum, err)
			}
			data = data[n:]
			if uint64(len(data)) < length {
				return fmt.Errorf("protocol: field %d length %d exceeds remaining %d bytes", fieldNum, length, len(data))
			}
			fn(fieldNum, 0, data[:length])
			data = data[length:]
		default:
			return fmt.Errorf("protocol: unsupported wire type %d for field %d", wireType, fieldNum)
		}
	}
	return nil
}

func appendVarintField(buf []byte, field uint8, v uint64) []byte {
	buf = appendVarint(buf, uint64(field)<<3)
	return appendVarint(buf, v)
}

func appendBytesField(buf []byte, field uint8, b []byte) []byte {
	buf = appendVarint(buf, uint64(field)<<3|2)
	buf = appendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// appendVarint appends a protobuf varint to buf.
func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readVarint reads a protobuf varint from data, returning value and bytes consumed.
func readVarint(data []byte) (uint64, int, error) {
	val, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errors.New("protocol: invalid varint")
	}
	return val, n, nil
}
