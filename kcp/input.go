package kcp

// Input parses one or more back-to-back segments out of a received
// datagram. It returns ErrBadFormat if the first segment is too short to
// contain a header, or ErrConvMismatch if the first segment's conv does
// not match this control block's conv (a demultiplexer bug upstream). A
// malformed or mismatched segment later in the same datagram silently
// terminates parsing of the remainder without returning an error, since
// everything processed before it is still valid and actionable.
//
// Input never calls flush: scheduling the next output pass is always the
// caller's job, via Update/Check.
func (cb *ControlBlock) Input(data []byte) error {
	if len(data) < headerSize {
		return ErrBadFormat
	}

	una := cb.sndUna
	var maxAck uint32
	var sawAck bool
	first := true
	current := cb.current()

	for len(data) >= headerSize {
		h := decodeHeader(data)

		if first {
			if h.conv != cb.conv {
				return ErrConvMismatch
			}
			first = false
		} else if h.conv != cb.conv {
			cb.logger.Debugf("kcp: dropping remainder of datagram: conv %d != %d mid-datagram", h.conv, cb.conv)
			break
		}

		if !isValidCmd(h.cmd) {
			cb.logger.Debugf("kcp: dropping remainder of datagram: invalid cmd %d", h.cmd)
			break
		}
		if uint32(len(data)-headerSize) < h.length {
			cb.logger.Debugf("kcp: dropping remainder of datagram: declared length %d exceeds %d bytes remaining", h.length, len(data)-headerSize)
			break
		}

		cb.rmtWnd = uint32(h.wnd)
		cb.parseUna(h.una)
		cb.shrinkBuf()
		cb.metrics.SegmentReceived(h.cmd)

		switch h.cmd {
		case cmdAck:
			if itimediff(current, h.ts) >= 0 {
				cb.updateAck(itimediff(current, h.ts))
			}
			cb.parseAck(h.sn)
			cb.shrinkBuf()
			if !sawAck {
				sawAck = true
				maxAck = h.sn
			} else if itimediff(h.sn, maxAck) > 0 {
				maxAck = h.sn
			}
		case cmdPush:
			if itimediff(h.sn, cb.rcvNxt+cb.rcvWnd) < 0 {
				cb.ackPush(h.sn, h.ts)
				if itimediff(h.sn, cb.rcvNxt) >= 0 {
					seg := cb.newSegment(int(h.length))
					seg.conv = h.conv
					seg.cmd = h.cmd
					seg.frg = h.frg
					seg.wnd = h.wnd
					seg.ts = h.ts
					seg.sn = h.sn
					seg.una = h.una
					copy(seg.data, data[headerSize:headerSize+h.length])
					cb.parseData(seg)
				} else {
					cb.metrics.RepeatSegment()
				}
			} else {
				cb.metrics.RepeatSegment()
			}
		case cmdWask:
			cb.probe |= askTell
		case cmdWins:
			// remote window already updated above; no further action.
		}

		data = data[headerSize+h.length:]
	}

	if sawAck {
		cb.parseFastack(maxAck)
	}

	if itimediff(cb.sndUna, una) > 0 {
		cb.growCongestionWindow()
	}
	return nil
}

func (cb *ControlBlock) updateAck(rttSigned int32) {
	rtt := rttSigned
	if cb.rxSrtt == 0 {
		cb.rxSrtt = rtt
		cb.rxRttval = rtt / 2
	} else {
		delta := rtt - cb.rxSrtt
		if delta < 0 {
			delta = -delta
		}
		cb.rxRttval = (3*cb.rxRttval + delta) / 4
		cb.rxSrtt = (7*cb.rxSrtt + rtt) / 8
		if cb.rxSrtt < 1 {
			cb.rxSrtt = 1
		}
	}
	rto := uint32(cb.rxSrtt) + imax(cb.interval, uint32(cb.rxRttval)*4)
	cb.rxRto = ibound(cb.rxMinrto, rto, maxRTO)
}

// shrinkBuf keeps sndUna equal to the SN of the lowest still-buffered
// segment, or sndNxt if the send buffer has drained entirely.
func (cb *ControlBlock) shrinkBuf() {
	if len(cb.sndBuf) > 0 {
		cb.sndUna = cb.sndBuf[0].sn
	} else {
		cb.sndUna = cb.sndNxt
	}
}

func (cb *ControlBlock) parseUna(una uint32) {
	count := 0
	for k := range cb.sndBuf {
		seg := &cb.sndBuf[k]
		if itimediff(una, seg.sn) > 0 {
			cb.freeSegment(seg)
			count++
		} else {
			break
		}
	}
	cb.sndBuf = cb.sndBuf[count:]
}

func (cb *ControlBlock) parseAck(sn uint32) {
	if itimediff(sn, cb.sndUna) < 0 || itimediff(sn, cb.sndNxt) >= 0 {
		return
	}
	for k := range cb.sndBuf {
		seg := &cb.sndBuf[k]
		if sn == seg.sn {
			cb.freeSegment(seg)
			cb.sndBuf = append(cb.sndBuf[:k], cb.sndBuf[k+1:]...)
			return
		}
		if itimediff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (cb *ControlBlock) parseFastack(sn uint32) {
	if itimediff(sn, cb.sndUna) < 0 || itimediff(sn, cb.sndNxt) >= 0 {
		return
	}
	for k := range cb.sndBuf {
		seg := &cb.sndBuf[k]
		if itimediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn {
			seg.fastack++
		}
	}
}

func (cb *ControlBlock) ackPush(sn, ts uint32) {
	cb.acklist = append(cb.acklist, ackItem{sn: sn, ts: ts})
}

// parseData inserts newseg into the receive buffer in SN order (dropping
// it if it is a duplicate of something already staged), then promotes any
// now-contiguous prefix into the receive queue.
func (cb *ControlBlock) parseData(newseg segment) {
	sn := newseg.sn
	if itimediff(sn, cb.rcvNxt+cb.rcvWnd) >= 0 || itimediff(sn, cb.rcvNxt) < 0 {
		cb.freeSegment(&newseg)
		return
	}

	insertIdx := len(cb.rcvBuf)
	repeat := false
	for i := len(cb.rcvBuf) - 1; i >= 0; i-- {
		seg := &cb.rcvBuf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if itimediff(sn, seg.sn) > 0 {
			insertIdx = i + 1
			break
		}
		insertIdx = i
	}

	if repeat {
		cb.metrics.RepeatSegment()
		cb.freeSegment(&newseg)
	} else {
		cb.rcvBuf = append(cb.rcvBuf, segment{})
		copy(cb.rcvBuf[insertIdx+1:], cb.rcvBuf[insertIdx:])
		cb.rcvBuf[insertIdx] = newseg
	}

	cb.promoteReceiveBuffer()
}

// growCongestionWindow applies the slow-start / congestion-avoidance
// growth triggered by forward progress of sndUna, per RFC 5681 AIMD.
func (cb *ControlBlock) growCongestionWindow() {
	if cb.cwnd >= cb.rmtWnd {
		return
	}
	mss := cb.mss
	if cb.cwnd < cb.ssthresh {
		cb.cwnd++
		cb.incr += mss
	} else {
		if cb.incr < mss {
			cb.incr = mss
		}
		cb.incr += (mss*mss)/cb.incr + mss/16
		if (cb.cwnd+1)*mss <= cb.incr {
			cb.cwnd++
		}
	}
	if cb.cwnd > cb.rmtWnd {
		cb.cwnd = cb.rmtWnd
		cb.incr = cb.rmtWnd * mss
	}
}
