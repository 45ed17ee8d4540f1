// Package tunnel relays the storage protocol for peers that cannot accept
// inbound connections. A volunteer relay runs a Server exposing a WebSocket
// entrance; for each tunneled peer it opens a Gateway, a public HTTP and
// WebSocket endpoint that stands in for the peer. Traffic between a gateway
// and its peer travels over a single outer WebSocket, multiplexed into
// frames: RPC frames carry whole JSON-RPC envelopes matched up by message
// id, datachannel frames carry shard transfer sockets matched up by a
// per-socket quid. The tunneled peer runs a Client which unpacks frames and
// replays them against its local listeners.
package tunnel

import (
	"encoding/hex"

	"github.com/granary-tech/granary/contract"
	"github.com/granary-tech/granary/kad"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

const (
	// OpRPC and OpDatachannel are the opcodes of the two frame kinds
	// multiplexed onto the outer socket.
	OpRPC         byte = 0x0c
	OpDatachannel byte = 0x0d

	// FrameText and FrameBinary preserve the WebSocket message type of a
	// datachannel payload across the tunnel.
	FrameText   byte = 0x01
	FrameBinary byte = 0x02

	// QUIDSize is the length in bytes of a datachannel id.
	QUIDSize = 6
)

// WebSocket close codes used when a socket must be torn down. 1011 is the
// standard internal-error code; the 31xx range carries the protocol error
// kinds.
const (
	CloseUnexpected       = 1011
	CloseInvalidContract  = 3100
	CloseInvalidMessage   = 3101
	CloseFailedIntegrity  = 3102
	CloseInvalidOperation = 3103
)

// ErrInvalidFrame is returned when an outer-socket frame cannot be
// demultiplexed.
var ErrInvalidFrame = errors.Extend(errors.New("invalid tunnel frame"), kad.ErrInvalidMessage)

// CloseCode maps err to the close code used when tearing down a socket.
func CloseCode(err error) int {
	switch {
	case errors.Contains(err, contract.ErrInvalidContract):
		return CloseInvalidContract
	case errors.Contains(err, kad.ErrInvalidMessage):
		return CloseInvalidMessage
	case errors.Contains(err, kad.ErrFailedIntegrity):
		return CloseFailedIntegrity
	case errors.Contains(err, kad.ErrInvalidOperation):
		return CloseInvalidOperation
	default:
		return CloseUnexpected
	}
}

// A Frame is one unit on the outer tunnel socket.
type Frame struct {
	// Opcode is OpRPC or OpDatachannel.
	Opcode byte

	// Message is set on RPC frames.
	Message *kad.Message

	// QUID, Binary, and Payload are set on datachannel frames. An empty
	// Payload is the channel terminator.
	QUID    string
	Binary  bool
	Payload []byte
}

// Terminator reports whether the frame closes its datachannel.
func (f *Frame) Terminator() bool {
	return f.Opcode == OpDatachannel && len(f.Payload) == 0
}

// NewQUID returns a fresh datachannel id.
func NewQUID() string {
	return hex.EncodeToString(fastrand.Bytes(QUIDSize))
}

// MuxRPC packs a JSON-RPC envelope into an outer-socket frame.
func MuxRPC(m *kad.Message) ([]byte, error) {
	body, err := m.Bytes()
	if err != nil {
		return nil, errors.AddContext(err, "unable to mux rpc frame")
	}
	return append([]byte{OpRPC}, body...), nil
}

// MuxData packs one datachannel message into an outer-socket frame. An
// empty payload terminates the channel.
func MuxData(quid string, binary bool, payload []byte) ([]byte, error) {
	q, err := hex.DecodeString(quid)
	if err != nil || len(q) != QUIDSize {
		return nil, errors.Extend(errors.New("malformed quid"), ErrInvalidFrame)
	}
	ft := FrameText
	if binary {
		ft = FrameBinary
	}
	out := make([]byte, 0, 2+QUIDSize+len(payload))
	out = append(out, OpDatachannel, ft)
	out = append(out, q...)
	return append(out, payload...), nil
}

// MuxTerminator packs the frame that closes a datachannel.
func MuxTerminator(quid string) ([]byte, error) {
	return MuxData(quid, false, nil)
}

// Demux parses one outer-socket frame. The payload of a datachannel frame
// is copied out of data, so the caller may reuse its read buffer.
func Demux(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.Extend(errors.New("empty frame"), ErrInvalidFrame)
	}
	switch data[0] {
	case OpRPC:
		msg, err := kad.ParseMessage(data[1:])
		if err != nil {
			return nil, errors.Compose(err, ErrInvalidFrame)
		}
		return &Frame{Opcode: OpRPC, Message: msg}, nil
	case OpDatachannel:
		if len(data) < 2+QUIDSize {
			return nil, errors.Extend(errors.New("datachannel frame too short"), ErrInvalidFrame)
		}
		ft := data[1]
		if ft != FrameText && ft != FrameBinary {
			return nil, errors.Extend(errors.New("unknown frame type"), ErrInvalidFrame)
		}
		payload := make([]byte, len(data)-2-QUIDSize)
		copy(payload, data[2+QUIDSize:])
		return &Frame{
			Opcode:  OpDatachannel,
			QUID:    hex.EncodeToString(data[2 : 2+QUIDSize]),
			Binary:  ft == FrameBinary,
			Payload: payload,
		}, nil
	default:
		return nil, errors.Extend(errors.New("unknown tunnel opcode"), ErrInvalidFrame)
	}
}
