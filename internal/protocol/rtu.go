package protocol

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/transport"
	"github.com/sigurn/crc16"
)

const (
	rtuHeaderSize    = 3
	rtuExceptionSize = 5
	rtuWriteAckSize  = 8
)

// RTUCodec frames PDUs as [unit][function][data][crc16 little endian].
type RTUCodec struct {
	crcTable *crc16.Table
}

// NewRTUCodec creates a Modbus RTU codec.
func NewRTUCodec() *RTUCodec {
	return &RTUCodec{
		crcTable: crc16.MakeTable(crc16.CRC16_MODBUS),
	}
}

// Kind returns KindModbusRTU.
func (c *RTUCodec) Kind() Kind {
	return KindModbusRTU
}

// Encode builds an RTU frame for unit.
func (c *RTUCodec) Encode(unit byte, pdu *modbus.ProtocolDataUnit) []byte {
	frame := make([]byte, 0, len(pdu.Data)+4)
	frame = append(frame, unit, pdu.FunctionCode)
	frame = append(frame, pdu.Data...)
	crc := crc16.Checksum(frame, c.crcTable)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// Decode validates the CRC and unit of a complete RTU frame and returns its PDU.
func (c *RTUCodec) Decode(unit byte, frame []byte) (*modbus.ProtocolDataUnit, error) {
	if len(frame) < 4 {
		return nil, domain.NewFramingError("rtu frame of %d bytes is too short", len(frame))
	}
	body := frame[:len(frame)-2]
	received := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if calculated := crc16.Checksum(body, c.crcTable); received != calculated {
		return nil, domain.NewFramingError("crc 0x%04X does not match calculated 0x%04X", received, calculated)
	}
	if frame[0] != unit {
		return nil, domain.NewFramingError("reply from unit %d, expected %d", frame[0], unit)
	}
	return &modbus.ProtocolDataUnit{
		FunctionCode: frame[1],
		Data:         append([]byte(nil), body[2:]...),
	}, nil
}

// Exchange writes one RTU request and reads its reply.
func (c *RTUCodec) Exchange(t transport.Transport, addr domain.Address, pdu *modbus.ProtocolDataUnit, timeout time.Duration) (*modbus.ProtocolDataUnit, error) {
	if err := t.Write(c.Encode(addr.UnitID, pdu)); err != nil {
		return nil, err
	}
	frame, err := c.readFrame(t, timeout)
	if err != nil {
		return nil, err
	}
	return c.Decode(addr.UnitID, frame)
}

// readFrame reads the fixed header, derives the frame length from it and reads the rest.
func (c *RTUCodec) readFrame(t transport.Transport, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	header, err := t.ReadExact(rtuHeaderSize, timeout)
	if err != nil {
		return nil, err
	}

	total, err := rtuFrameLength(header)
	if err != nil {
		return nil, err
	}

	rest, err := t.ReadExact(total-rtuHeaderSize, time.Until(deadline))
	if err != nil {
		if len(rest) > 0 {
			return nil, fmt.Errorf("%w (%v)", domain.NewFramingError("reply truncated at %d of %d bytes", rtuHeaderSize+len(rest), total), err)
		}
		return nil, err
	}
	return append(header, rest...), nil
}

// rtuFrameLength returns the total frame size announced by the first three bytes.
func rtuFrameLength(header []byte) (int, error) {
	fc := header[1]
	if fc&exceptionBit != 0 {
		return rtuExceptionSize, nil
	}
	switch fc {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		return rtuHeaderSize + int(header[2]) + 2, nil
	case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
		return rtuWriteAckSize, nil
	default:
		return 0, domain.NewFramingError("unexpected function code 0x%02X in reply", fc)
	}
}
