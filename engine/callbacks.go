package engine

// Callbacks holds the function values the engine invokes for PTP status
// and xrun events. OnError is stored alongside them, but no engine code
// path calls it. Each must not block and must not re-enter the engine;
// the engine recovers from and logs a panicking callback rather than
// letting it take down a stream goroutine.
type Callbacks struct {
	OnPTPStatus func(locked bool, offsetNs float64)
	OnXrun      func(streamIdx int, isUnderrun bool)
	OnError     func(message string)
}
