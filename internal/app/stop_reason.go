package app

type StopReason string

const (
	StopSignal      StopReason = "signal"
	StopFatalError  StopReason = "fatal_error"
	StopStartFailed StopReason = "start_failed"
)
