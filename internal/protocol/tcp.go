package protocol

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/transport"
)

const (
	mbapHeaderSize = 7
	mbapMaxLength  = 254
)

// TCPCodec frames PDUs with the MBAP header:
//
//	[transaction id:2][protocol id:2 = 0][length:2][unit id:1][pdu]
type TCPCodec struct {
	transactionID uint32
}

// NewTCPCodec creates a Modbus TCP codec.
func NewTCPCodec() *TCPCodec {
	return &TCPCodec{}
}

// Kind returns KindModbusTCP.
func (c *TCPCodec) Kind() Kind {
	return KindModbusTCP
}

// Encode builds an ADU with the next transaction id.
func (c *TCPCodec) Encode(unit byte, pdu *modbus.ProtocolDataUnit) ([]byte, uint16) {
	tid := uint16(atomic.AddUint32(&c.transactionID, 1))

	adu := make([]byte, mbapHeaderSize+1+len(pdu.Data))
	binary.BigEndian.PutUint16(adu[0:], tid)
	binary.BigEndian.PutUint16(adu[2:], 0)
	binary.BigEndian.PutUint16(adu[4:], uint16(2+len(pdu.Data)))
	adu[6] = unit
	adu[7] = pdu.FunctionCode
	copy(adu[8:], pdu.Data)
	return adu, tid
}

// Exchange writes one request ADU and reads the length-prefixed reply.
func (c *TCPCodec) Exchange(t transport.Transport, addr domain.Address, pdu *modbus.ProtocolDataUnit, timeout time.Duration) (*modbus.ProtocolDataUnit, error) {
	deadline := time.Now().Add(timeout)

	adu, tid := c.Encode(addr.UnitID, pdu)
	if err := t.Write(adu); err != nil {
		return nil, err
	}

	header, err := t.ReadExact(mbapHeaderSize, timeout)
	if err != nil {
		return nil, err
	}

	if pid := binary.BigEndian.Uint16(header[2:]); pid != 0 {
		return nil, domain.NewFramingError("protocol id %d, expected 0", pid)
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || length > mbapMaxLength {
		return nil, domain.NewFramingError("mbap length %d out of range", length)
	}

	body, err := t.ReadExact(length-1, time.Until(deadline))
	if err != nil {
		if len(body) > 0 {
			return nil, domain.NewFramingError("reply truncated at %d of %d bytes", len(body), length-1)
		}
		return nil, err
	}

	if got := binary.BigEndian.Uint16(header[0:]); got != tid {
		return nil, domain.NewFramingError("transaction id %d does not match request %d", got, tid)
	}
	if header[6] != addr.UnitID {
		return nil, domain.NewFramingError("reply from unit %d, expected %d", header[6], addr.UnitID)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: body[0],
		Data:         append([]byte(nil), body[1:]...),
	}, nil
}
