package syncengine

/*
Connection state machine:

  Disconnected ──Initialize──► Connecting ──ok──► Connected
       ▲                           │                 │ stream drops
       │                         error               ▼
       └──────── Teardown ◄────────┴────────── Reconnecting ──5 failures──► Failed
                                                     │
                                                     └──ok──► Connected
*/

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
