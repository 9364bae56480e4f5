package market

// EventKind tags the variants of the feed event union.
type EventKind string

const (
	EventTrade     EventKind = "trade"
	EventBookDelta EventKind = "book_delta"
	EventCandle    EventKind = "candle"
	EventTicker    EventKind = "ticker"
)

// Event is a tagged union of everything the generator emits. Exactly one
// payload field is set, matching Kind.
type Event struct {
	Kind   EventKind
	Trade  *Trade
	Delta  *BookDelta
	Candle *Candle
	Ticker *Ticker
}

func TradeEvent(t Trade) Event     { return Event{Kind: EventTrade, Trade: &t} }
func DeltaEvent(d BookDelta) Event { return Event{Kind: EventBookDelta, Delta: &d} }
func CandleEvent(c Candle) Event   { return Event{Kind: EventCandle, Candle: &c} }
func TickerEvent(tk Ticker) Event  { return Event{Kind: EventTicker, Ticker: &tk} }

// Validate dispatches to the payload's invariant check.
func (e Event) Validate() error {
	switch e.Kind {
	case EventTrade:
		if e.Trade == nil {
			return Invariantf("event", "trade event without payload")
		}
		return e.Trade.Validate()
	case EventBookDelta:
		if e.Delta == nil {
			return Invariantf("event", "book delta event without payload")
		}
		return e.Delta.Validate()
	case EventCandle:
		if e.Candle == nil {
			return Invariantf("event", "candle event without payload")
		}
		return e.Candle.Validate()
	case EventTicker:
		if e.Ticker == nil {
			return Invariantf("event", "ticker event without payload")
		}
		return e.Ticker.Validate()
	default:
		return Invariantf("event", "unknown kind %q", e.Kind)
	}
}
