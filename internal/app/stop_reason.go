package app

// StopReason is logged by Stop and tells shutdown steps why the process ends.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	// StopDispatchDone ends a one-shot CLI dispatch.
	StopDispatchDone StopReason = "dispatch_done"
)
