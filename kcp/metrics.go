package kcp

// MetricsObserver receives counter events from a ControlBlock as they
// happen. It mirrors the shape of the teacher's package-global DefaultSnmp
// counters, but is dependency-inverted: the core calls out to whatever
// implementation the caller installs (defaulting to noopMetrics, so the
// core itself never imports a metrics library) rather than owning a
// concrete counters struct. A prometheus-backed implementation lives in
// package transport.
type MetricsObserver interface {
	// SegmentSent is called once per segment written into the transmit
	// scratch buffer, tagged with its command byte.
	SegmentSent(cmd uint8)
	// SegmentReceived is called once per segment successfully parsed out
	// of an inbound datagram, tagged with its command byte.
	SegmentReceived(cmd uint8)
	// RepeatSegment is called when Input drops a duplicate or
	// out-of-window PUSH segment.
	RepeatSegment()
	// Retransmit is called once per segment retransmitted in a flush
	// pass, tagged with whether it was a timeout or a fast retransmit.
	Retransmit(fast bool)
	// DeadLink is called the moment a ControlBlock transitions into
	// StateDeadLink.
	DeadLink()
}

type noopMetrics struct{}

func (noopMetrics) SegmentSent(uint8)     {}
func (noopMetrics) SegmentReceived(uint8) {}
func (noopMetrics) RepeatSegment()        {}
func (noopMetrics) Retransmit(bool)       {}
func (noopMetrics) DeadLink()             {}
