// Package kcp implements the control-block core of a reliable, ordered,
// connection-oriented transport protocol running above an unreliable
// datagram substrate such as UDP. It provides TCP-like delivery guarantees
// with lower average and tail latency by trading bandwidth for aggressive
// retransmission, selective acknowledgement and a tunable congestion
// controller.
//
// The package owns exactly one concern: the per-connection ControlBlock
// state machine (segmentation, the send/receive windows, the RTT
// estimator, retransmission and congestion control, and the flush/update
// scheduler). Socket I/O, event loops, session demultiplexing by peer
// address, idle-session garbage collection and logging destinations are
// deliberately left to callers; see package transport for one such
// caller built only on this package's exported API.
package kcp
