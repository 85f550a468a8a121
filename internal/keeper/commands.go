package keeper

// Command is an operator instruction delivered to the runner's loop. The
// loop is the only consumer, so commands never race a polling tick.
type Command int

const (
	// CommandTick runs one decide-and-manage pass, same as the poller.
	CommandTick Command = iota
	// CommandFullRebalance closes and recreates everything regardless of
	// the measured deviation.
	CommandFullRebalance
	// CommandResetAll closes every managed position and adoptable orphan
	// and does not reopen.
	CommandResetAll
)

func (c Command) String() string {
	switch c {
	case CommandTick:
		return "tick"
	case CommandFullRebalance:
		return "full_rebalance"
	case CommandResetAll:
		return "reset_all"
	default:
		return "unknown"
	}
}
