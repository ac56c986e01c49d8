package xmodem

// Callbacks provides hooks for transfer events. All callbacks are
// optional - nil callbacks use default behavior.
//
// Callbacks are invoked from inside the engine and must not call back
// into it; hand work that needs engine access off to another goroutine.
type Callbacks struct {
	// OnStateChange is called on every protocol state transition.
	OnStateChange func(from, to TransferState)

	// OnProgress is called after each successfully transferred block.
	// transferred: payload bytes transferred so far; the receiver counts
	// whole blocks including padding, the sender caps the count at total
	// total: total bytes to transfer (0 when unknown, i.e. receiving)
	OnProgress func(transferred, total int64)

	// OnComplete is called once, when the transfer reaches a terminal
	// state. err is nil on COMPLETED.
	OnComplete func(state TransferState, err error)
}

// defaultCallbacks returns a set of callbacks with default implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnStateChange: func(TransferState, TransferState) {},
		OnProgress:    func(int64, int64) {},
		OnComplete:    func(TransferState, error) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	def := defaultCallbacks()
	if user == nil {
		return def
	}

	result := &Callbacks{}

	if user.OnStateChange != nil {
		result.OnStateChange = user.OnStateChange
	} else {
		result.OnStateChange = def.OnStateChange
	}

	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	} else {
		result.OnProgress = def.OnProgress
	}

	if user.OnComplete != nil {
		result.OnComplete = user.OnComplete
	} else {
		result.OnComplete = def.OnComplete
	}

	return result
}
