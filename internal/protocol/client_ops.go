package protocol

import (
	"github.com/tidwall/gjson"
)

// Client-to-server operations. The protocol is deliberately one-directional
// beyond these: a single subscribe after connect and periodic heartbeat acks.
const (
	OpSubscribe    = "subscribe"
	OpHeartbeatAck = "heartbeat_ack"
)

// ClientOp is the client-to-server message envelope.
type ClientOp struct {
	Op string `json:"op"`
	Ts int64  `json:"ts,omitempty"`
}

// EncodeOp serializes a client operation.
func EncodeOp(op string, ts int64) ([]byte, error) {
	return codec.Marshal(ClientOp{Op: op, Ts: ts})
}

// SniffOp extracts the op field from a client message.
func SniffOp(raw []byte) string {
	return gjson.GetBytes(raw, "op").String()
}
