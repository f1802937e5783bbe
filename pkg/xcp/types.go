package xcp

import "github.com/ultimaker/telepathy/pkg/symbol"

// State is the connection lifecycle: Disconnected -> Connected ->
// DAQConfigured -> DAQRunning.
type State int

const (
	Disconnected State = iota
	Connected
	DAQConfigured
	DAQRunning
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case DAQConfigured:
		return "DAQ-CONFIGURED"
	case DAQRunning:
		return "DAQ-RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Resources reports which optional command groups CONNECT says the
// target supports.
type Resources struct {
	DAQ         bool
	Calibration bool
	PGM         bool
	STIM        bool
}

// ConnectInfo is everything CONNECT's positive response carries.
type ConnectInfo struct {
	ByteOrder   symbol.ByteOrder
	MaxCTO      int
	MaxDTO      int
	Resources   Resources
	ProtocolMaj int
	ProtocolMin int
	// TimestampSupported reports whether the target stamps DAQ samples
	// itself; if false the DAQ engine timestamps at reception.
	TimestampSupported bool
}
