package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/transport"
)

// Solarman V5 framing constants.
const (
	TunnelStart = 0xA5
	TunnelEnd   = 0x15

	ControlRequest   = 0x4510
	ControlResponse  = 0x1510
	ControlHeartbeat = 0x4710

	tunnelHeaderSize  = 11
	tunnelTrailerSize = 2
	// frame type, sensor type, total working time, power on time, offset time
	requestPrefixSize  = 15
	responsePrefixSize = 14
	tunnelFrameType    = 0x02

	maxSkippedFrames = 4
)

// TunnelFrame is one vendor frame exchanged with a data logging dongle.
type TunnelFrame struct {
	Control  uint16
	Sequence uint16
	Serial   uint32
	Payload  []byte
}

// TunnelCodec wraps Modbus RTU frames in Solarman V5 frames.
type TunnelCodec struct {
	rtu *RTUCodec

	// EchoLowByteOnly compares only the low sequence byte, for loggers that
	// put their own counter in the high byte of the reply.
	EchoLowByteOnly bool

	sequence uint16
	mutex    sync.Mutex
}

// NewTunnelCodec creates a dongle tunnel codec.
func NewTunnelCodec() *TunnelCodec {
	return &TunnelCodec{rtu: NewRTUCodec()}
}

// Kind returns KindDongleTunnel.
func (c *TunnelCodec) Kind() Kind {
	return KindDongleTunnel
}

// nextSequence increments the frame counter, wrapping at 16 bits.
func (c *TunnelCodec) nextSequence() uint16 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sequence++
	return c.sequence
}

// EncodeFrame serialises a frame including checksum and end marker.
func EncodeFrame(f TunnelFrame) []byte {
	n := len(f.Payload)
	frame := make([]byte, tunnelHeaderSize+n+tunnelTrailerSize)
	frame[0] = TunnelStart
	binary.LittleEndian.PutUint16(frame[1:], uint16(n))
	binary.LittleEndian.PutUint16(frame[3:], f.Control)
	binary.LittleEndian.PutUint16(frame[5:], f.Sequence)
	binary.LittleEndian.PutUint32(frame[7:], f.Serial)
	copy(frame[tunnelHeaderSize:], f.Payload)
	frame[tunnelHeaderSize+n] = tunnelChecksum(frame[1 : tunnelHeaderSize+n])
	frame[tunnelHeaderSize+n+1] = TunnelEnd
	return frame
}

// DecodeFrame validates start, length, checksum and end marker of a complete frame.
func DecodeFrame(raw []byte) (TunnelFrame, error) {
	if len(raw) < tunnelHeaderSize+tunnelTrailerSize {
		return TunnelFrame{}, integrity(domain.TunnelFrame, "frame of %d bytes is too short", len(raw))
	}
	if raw[0] != TunnelStart {
		return TunnelFrame{}, integrity(domain.TunnelFrame, "start byte 0x%02X", raw[0])
	}
	n := int(binary.LittleEndian.Uint16(raw[1:]))
	if len(raw) != tunnelHeaderSize+n+tunnelTrailerSize {
		return TunnelFrame{}, integrity(domain.TunnelFrame, "length field %d does not match frame of %d bytes", n, len(raw))
	}
	if raw[len(raw)-1] != TunnelEnd {
		return TunnelFrame{}, integrity(domain.TunnelFrame, "end byte 0x%02X", raw[len(raw)-1])
	}
	if sum := tunnelChecksum(raw[1 : tunnelHeaderSize+n]); sum != raw[tunnelHeaderSize+n] {
		return TunnelFrame{}, integrity(domain.TunnelChecksum, "checksum 0x%02X, calculated 0x%02X", raw[tunnelHeaderSize+n], sum)
	}

	return TunnelFrame{
		Control:  binary.LittleEndian.Uint16(raw[3:]),
		Sequence: binary.LittleEndian.Uint16(raw[5:]),
		Serial:   binary.LittleEndian.Uint32(raw[7:]),
		Payload:  append([]byte(nil), raw[tunnelHeaderSize:tunnelHeaderSize+n]...),
	}, nil
}

// RequestPayload prefixes an RTU frame with the request payload header.
func RequestPayload(rtuFrame []byte) []byte {
	payload := make([]byte, requestPrefixSize, requestPrefixSize+len(rtuFrame))
	payload[0] = tunnelFrameType
	return append(payload, rtuFrame...)
}

// Exchange wraps the RTU request, sends it and unwraps the matching reply.
func (c *TunnelCodec) Exchange(t transport.Transport, addr domain.Address, pdu *modbus.ProtocolDataUnit, timeout time.Duration) (*modbus.ProtocolDataUnit, error) {
	deadline := time.Now().Add(timeout)
	seq := c.nextSequence()

	request := EncodeFrame(TunnelFrame{
		Control:  ControlRequest,
		Sequence: seq,
		Serial:   addr.DongleSerial,
		Payload:  RequestPayload(c.rtu.Encode(addr.UnitID, pdu)),
	})
	if err := t.Write(request); err != nil {
		return nil, err
	}

	for skipped := 0; ; skipped++ {
		frame, err := c.readFrame(t, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		switch {
		case frame.Control != ControlResponse:
		case frame.Serial == addr.DongleSerial && c.sequenceStale(frame.Sequence, seq):
			// Late or duplicated reply to an earlier request. Dropping it lets
			// the stream catch up with the current request.
		default:
			return c.unwrap(frame, addr, seq)
		}
		if skipped >= maxSkippedFrames {
			return nil, integrity(domain.TunnelFrame, "no matching response after %d unsolicited or stale frames", skipped+1)
		}
	}
}

// unwrap checks serial and sequence echo and decodes the inner RTU frame.
func (c *TunnelCodec) unwrap(frame TunnelFrame, addr domain.Address, seq uint16) (*modbus.ProtocolDataUnit, error) {
	if frame.Serial != addr.DongleSerial {
		return nil, integrity(domain.TunnelSerial, "reply from logger %d, expected %d", frame.Serial, addr.DongleSerial)
	}
	if !c.sequenceMatches(frame.Sequence, seq) {
		return nil, integrity(domain.TunnelSequence, "sequence 0x%04X does not echo request 0x%04X", frame.Sequence, seq)
	}
	if len(frame.Payload) <= responsePrefixSize {
		return nil, integrity(domain.TunnelFrame, "logger returned no modbus frame (device did not answer)")
	}

	pdu, err := c.rtu.Decode(addr.UnitID, frame.Payload[responsePrefixSize:])
	if err != nil {
		var frameErr *domain.FramingError
		if errors.As(err, &frameErr) {
			return nil, integrity(domain.TunnelFrame, "inner frame: %s", frameErr.Reason)
		}
		return nil, err
	}
	return pdu, nil
}

func (c *TunnelCodec) sequenceMatches(got, want uint16) bool {
	if c.EchoLowByteOnly {
		return got&0xFF == want&0xFF
	}
	return got == want
}

// sequenceStale reports whether got echoes a request sent before want,
// allowing for the counter wrapping.
func (c *TunnelCodec) sequenceStale(got, want uint16) bool {
	if c.EchoLowByteOnly {
		behind := uint8(want - got)
		return behind > 0 && behind < 0x80
	}
	behind := want - got
	return behind > 0 && behind < 0x8000
}

// readFrame reads one complete frame using the header length field.
func (c *TunnelCodec) readFrame(t transport.Transport, timeout time.Duration) (TunnelFrame, error) {
	deadline := time.Now().Add(timeout)

	header, err := t.ReadExact(tunnelHeaderSize, timeout)
	if err != nil {
		return TunnelFrame{}, err
	}
	if header[0] != TunnelStart {
		// The stream is out of step; only a reconnect resynchronises it.
		return TunnelFrame{}, domain.NewFramingError("tunnel start byte 0x%02X", header[0])
	}

	n := int(binary.LittleEndian.Uint16(header[1:]))
	rest, err := t.ReadExact(n+tunnelTrailerSize, time.Until(deadline))
	if err != nil {
		if len(rest) > 0 {
			return TunnelFrame{}, domain.NewFramingError("tunnel frame truncated at %d of %d bytes", tunnelHeaderSize+len(rest), tunnelHeaderSize+n+tunnelTrailerSize)
		}
		return TunnelFrame{}, err
	}
	return DecodeFrame(append(header, rest...))
}

// tunnelChecksum is the low byte of the sum of all bytes.
func tunnelChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

func integrity(field, format string, args ...interface{}) *domain.TunnelIntegrityError {
	return &domain.TunnelIntegrityError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
