package transfer

// scheduler owns the parts of a transfer and decides which part runs next.
// At most channels parts are in flight: the first min(len(parts), channels)
// are admitted up front and every part success admits at most one more.
type scheduler struct {
	parts    []*part
	channels int
}

func newScheduler(ranges []Range, channels int) *scheduler {
	parts := make([]*part, len(ranges))
	for i, r := range ranges {
		parts[i] = newPart(i, r)
	}

	return &scheduler{parts: parts, channels: max(channels, 1)}
}

// admit claims the initial batch of parts in index order.
func (s *scheduler) admit() []*part {
	n := min(len(s.parts), s.channels)

	batch := make([]*part, 0, n)
	for len(batch) < n {
		p := s.next()
		if p == nil {
			break
		}
		batch = append(batch, p)
	}

	return batch
}

// next claims the queued part with the lowest index, or returns nil when no
// part is queued.
func (s *scheduler) next() *part {
	for _, p := range s.parts {
		if p.claim() {
			return p
		}
	}
	return nil
}

// done reports whether every part succeeded.
func (s *scheduler) done() bool {
	for _, p := range s.parts {
		if p.getState() != PartSuccess {
			return false
		}
	}
	return true
}

// inFlight counts parts that hold or are about to hold a connection.
func (s *scheduler) inFlight() int {
	n := 0
	for _, p := range s.parts {
		switch p.getState() {
		case PartInitiating, PartProgress, PartRetry:
			n++
		case PartQueued, PartSuccess, PartFailed:
		}
	}
	return n
}

func (s *scheduler) infos() []PartInfo {
	infos := make([]PartInfo, len(s.parts))
	for i, p := range s.parts {
		infos[i] = p.info()
	}
	return infos
}
