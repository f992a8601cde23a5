// Package protocol provides the Modbus and dongle tunnel frame codecs for inverter communication.
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/transport"
)

// Modbus application limits.
const (
	MaxReadQuantity  = 125
	MaxWriteQuantity = 123
	exceptionBit     = 0x80
)

// Kind selects the framing used on a connector.
type Kind int

const (
	KindModbusRTU Kind = iota
	KindModbusTCP
	KindDongleTunnel
)

// String returns the string representation of the codec kind.
func (k Kind) String() string {
	switch k {
	case KindModbusRTU:
		return "modbus_rtu"
	case KindModbusTCP:
		return "modbus_tcp"
	case KindDongleTunnel:
		return "dongle_tunnel"
	default:
		return "unknown"
	}
}

// Codec exchanges one request PDU for one reply PDU over a transport.
type Codec interface {
	// Kind identifies the framing
	Kind() Kind
	// Exchange writes the framed request and reads and unwraps the reply
	Exchange(t transport.Transport, addr domain.Address, pdu *modbus.ProtocolDataUnit, timeout time.Duration) (*modbus.ProtocolDataUnit, error)
}

// NewCodec creates the codec for a kind.
func NewCodec(kind Kind) (Codec, error) {
	switch kind {
	case KindModbusRTU:
		return NewRTUCodec(), nil
	case KindModbusTCP:
		return NewTCPCodec(), nil
	case KindDongleTunnel:
		return NewTunnelCodec(), nil
	default:
		return nil, fmt.Errorf("unsupported codec kind %d", kind)
	}
}

// ReadPDU builds the request PDU for a register read.
func ReadPDU(req domain.ReadRequest) (*modbus.ProtocolDataUnit, error) {
	if req.Count == 0 || req.Count > MaxReadQuantity {
		return nil, fmt.Errorf("read quantity %d out of range 1..%d", req.Count, MaxReadQuantity)
	}
	if req.End() > domain.MaxAddress {
		return nil, fmt.Errorf("read %s exceeds address space", req)
	}

	fc := byte(modbus.FuncCodeReadHoldingRegisters)
	if req.Kind == domain.KindInput {
		fc = modbus.FuncCodeReadInputRegisters
	}
	return &modbus.ProtocolDataUnit{
		FunctionCode: fc,
		Data:         dataBlock(req.Start, req.Count),
	}, nil
}

// WritePDU builds the request PDU for a register write. A single value uses
// function 0x06, more values use 0x10.
func WritePDU(req domain.WriteRequest) (*modbus.ProtocolDataUnit, error) {
	n := len(req.Values)
	if n == 0 || n > MaxWriteQuantity {
		return nil, fmt.Errorf("write quantity %d out of range 1..%d", n, MaxWriteQuantity)
	}
	if int(req.Start)+n-1 > domain.MaxAddress {
		return nil, fmt.Errorf("write at %d exceeds address space", req.Start)
	}

	if n == 1 {
		return &modbus.ProtocolDataUnit{
			FunctionCode: modbus.FuncCodeWriteSingleRegister,
			Data:         dataBlock(req.Start, req.Values[0]),
		}, nil
	}

	data := make([]byte, 5+2*n)
	binary.BigEndian.PutUint16(data[0:], req.Start)
	binary.BigEndian.PutUint16(data[2:], uint16(n))
	data[4] = byte(2 * n)
	for i, v := range req.Values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return &modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeWriteMultipleRegisters,
		Data:         data,
	}, nil
}

// DecodeRegisters validates a read reply against its request and returns the words.
func DecodeRegisters(req domain.ReadRequest, fc byte, reply *modbus.ProtocolDataUnit) ([]uint16, error) {
	if err := checkReply(fc, reply); err != nil {
		return nil, err
	}
	if len(reply.Data) < 1 {
		return nil, domain.NewFramingError("read reply has no byte count")
	}
	byteCount := int(reply.Data[0])
	if byteCount != 2*int(req.Count) {
		return nil, domain.NewFramingError("byte count %d does not match %d requested registers", byteCount, req.Count)
	}
	if len(reply.Data)-1 < byteCount {
		return nil, domain.NewFramingError("reply carries %d of %d declared bytes", len(reply.Data)-1, byteCount)
	}

	values := make([]uint16, req.Count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(reply.Data[1+2*i:])
	}
	return values, nil
}

// VerifyWrite validates a write acknowledgement against its request PDU.
func VerifyWrite(request, reply *modbus.ProtocolDataUnit) error {
	if err := checkReply(request.FunctionCode, reply); err != nil {
		return err
	}
	if len(reply.Data) != 4 {
		return domain.NewFramingError("write reply has %d data bytes, expected 4", len(reply.Data))
	}
	if binary.BigEndian.Uint16(reply.Data) != binary.BigEndian.Uint16(request.Data) {
		return domain.NewFramingError("write reply address does not match request")
	}
	return nil
}

// checkReply maps exception replies and function code mismatches onto domain errors.
func checkReply(fc byte, reply *modbus.ProtocolDataUnit) error {
	if reply.FunctionCode == fc|exceptionBit {
		if len(reply.Data) < 1 {
			return domain.NewFramingError("exception reply without exception code")
		}
		return &domain.ProtocolError{Function: fc, ExceptionCode: reply.Data[0]}
	}
	if reply.FunctionCode != fc {
		return domain.NewFramingError("function code 0x%02X does not match request 0x%02X", reply.FunctionCode, fc)
	}
	return nil
}

func dataBlock(values ...uint16) []byte {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[2*i:], v)
	}
	return data
}
