package domain

// allowedTransitions encodes the state machine from spec.md §4.8. The
// store validates every UpdateStatus call against this table.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusDownloading: true,
		StatusFailed:       true,
		StatusCancelled:    true,
	},
	StatusDownloading: {
		StatusChunking:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusChunking: {
		StatusDubbing:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusDubbing: {
		StatusMerging:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusMerging: {
		StatusFinalizing: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusFinalizing: {
		StatusComplete:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	// Failed is terminal-by-default but recoverable: the only
	// supported recovery path is retrying the Dubbing stage with the
	// same manifest (spec.md §4.8, §9 open question).
	StatusFailed: {
		StatusDubbing: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is allowed
// by the pipeline's state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
