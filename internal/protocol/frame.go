package protocol

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"marketdash/internal/market"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// FrameType discriminates server-to-client frames.
type FrameType string

const (
	FrameSnapshot  FrameType = "snapshot"
	FrameTrade     FrameType = "trade"
	FrameBookDelta FrameType = "book_delta"
	FrameCandle    FrameType = "candle"
	FrameTicker    FrameType = "ticker"
	FrameHeartbeat FrameType = "heartbeat"
	FrameResync    FrameType = "resync_required"
)

// Frame is the wire envelope. Seq is a per-connection monotonic counter over
// every frame the server sends, heartbeats included; a gap on the client
// means frames were lost in flight.
type Frame struct {
	Type FrameType       `json:"type"`
	Seq  uint64          `json:"seq"`
	Ts   int64           `json:"ts"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the one-time full-state payload a subscriber receives before
// joining the live stream.
type Snapshot struct {
	Book       market.OrderBook `json:"book"`
	OpenCandle *market.Candle   `json:"open_candle,omitempty"`
	Candles    []market.Candle  `json:"candles"`
	Trades     []market.Trade   `json:"trades"`
	Ticker     *market.Ticker   `json:"ticker,omitempty"`
}

// Heartbeat carries the server clock.
type Heartbeat struct {
	Ts int64 `json:"ts"`
}

// Resync marks a stream discontinuity: the subscriber's buffer overflowed and
// Dropped frames were discarded. A fresh snapshot follows.
type Resync struct {
	Dropped uint64 `json:"dropped"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(t FrameType, ts int64, payload any) (Frame, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Frame{Type: t, Ts: ts, Data: data}, nil
}

// FromEvent wraps a generator event into its wire frame.
func FromEvent(ev market.Event, ts int64) (Frame, error) {
	switch ev.Kind {
	case market.EventTrade:
		return NewFrame(FrameTrade, ts, ev.Trade)
	case market.EventBookDelta:
		return NewFrame(FrameBookDelta, ts, ev.Delta)
	case market.EventCandle:
		return NewFrame(FrameCandle, ts, ev.Candle)
	case market.EventTicker:
		return NewFrame(FrameTicker, ts, ev.Ticker)
	default:
		return Frame{}, &market.ProtocolError{Reason: fmt.Sprintf("unmappable event kind %q", ev.Kind)}
	}
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	raw, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return raw, nil
}

// Decode parses a wire frame. A frame without a known type is a protocol
// error.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := codec.Unmarshal(raw, &f); err != nil {
		return Frame{}, &market.ProtocolError{Reason: "malformed frame", Err: err}
	}
	switch f.Type {
	case FrameSnapshot, FrameTrade, FrameBookDelta, FrameCandle, FrameTicker, FrameHeartbeat, FrameResync:
		return f, nil
	default:
		return Frame{}, &market.ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
}

// Sniff cheaply extracts the frame type without a full decode.
func Sniff(raw []byte) FrameType {
	return FrameType(gjson.GetBytes(raw, "type").String())
}

// Payload unmarshals the frame payload into v.
func (f Frame) Payload(v any) error {
	if err := codec.Unmarshal(f.Data, v); err != nil {
		return &market.ProtocolError{Reason: fmt.Sprintf("malformed %s payload", f.Type), Err: err}
	}
	return nil
}

// Event converts a live-data frame back into the domain event union.
func (f Frame) Event() (market.Event, error) {
	switch f.Type {
	case FrameTrade:
		var t market.Trade
		if err := f.Payload(&t); err != nil {
			return market.Event{}, err
		}
		return market.TradeEvent(t), nil
	case FrameBookDelta:
		var d market.BookDelta
		if err := f.Payload(&d); err != nil {
			return market.Event{}, err
		}
		return market.DeltaEvent(d), nil
	case FrameCandle:
		var c market.Candle
		if err := f.Payload(&c); err != nil {
			return market.Event{}, err
		}
		return market.CandleEvent(c), nil
	case FrameTicker:
		var tk market.Ticker
		if err := f.Payload(&tk); err != nil {
			return market.Event{}, err
		}
		return market.TickerEvent(tk), nil
	default:
		return market.Event{}, &market.ProtocolError{Reason: fmt.Sprintf("frame type %q is not an event", f.Type)}
	}
}
