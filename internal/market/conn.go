package market

// ConnState is the client transport connection FSM.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnSubscribed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Live reports whether the client is receiving the stream.
func (s ConnState) Live() bool { return s == ConnSubscribed }
