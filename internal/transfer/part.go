package transfer

import (
	"fmt"
	"sync"
)

// PartState represents the state of a single part.
type PartState string

// Part states.
const (
	PartQueued     PartState = "queued"
	PartInitiating PartState = "initiating"
	PartProgress   PartState = "progress"
	PartSuccess    PartState = "success"
	PartRetry      PartState = "retry"
	PartFailed     PartState = "failed"
)

// Range is a contiguous byte range [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// End returns the exclusive end offset.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// HTTPRange returns the Range header value for r, e.g. "bytes=0-99".
func (r Range) HTTPRange() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.End()-1)
}

// Split divides [0, length) into ceil(length/partSize) contiguous ranges.
// Only the last range may be shorter than partSize.
func Split(length, partSize int64) []Range {
	if length <= 0 || partSize <= 0 {
		return nil
	}

	count := (length + partSize - 1) / partSize
	ranges := make([]Range, count)
	for i := range count {
		offset := i * partSize
		ranges[i] = Range{Offset: offset, Length: min(partSize, length-offset)}
	}

	return ranges
}

// PartInfo is a point-in-time snapshot of a part.
type PartInfo struct {
	Index      int       `json:"index"`
	Offset     int64     `json:"offset"`
	Length     int64     `json:"length"`
	State      PartState `json:"state"`
	RetryCount int       `json:"retry_count"`
	// ID is the completion id reported by the server, e.g. the ETag of an
	// uploaded multipart part.
	ID string `json:"id,omitempty"`
}

// part is a byte range of a transfer. Index, offset and length never change.
type part struct {
	index int
	Range

	mu         sync.Mutex
	state      PartState
	retryCount int
	id         string
}

func newPart(index int, r Range) *part {
	return &part{index: index, Range: r, state: PartQueued}
}

func (p *part) info() PartInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PartInfo{
		Index:      p.index,
		Offset:     p.Offset,
		Length:     p.Length,
		State:      p.state,
		RetryCount: p.retryCount,
		ID:         p.id,
	}
}

func (p *part) getState() PartState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// claim moves a queued part to initiating and reports whether it did.
func (p *part) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PartQueued {
		return false
	}
	p.state = PartInitiating
	return true
}

func (p *part) setState(s PartState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *part) succeed(id string) {
	p.mu.Lock()
	p.id = id
	p.state = PartSuccess
	p.mu.Unlock()
}

func (p *part) completionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// retry consumes one unit of the retry budget. It reports whether the
// budget is exhausted, in which case the part is failed.
func (p *part) retry(maxCount int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.retryCount++
	if p.retryCount >= maxCount {
		p.state = PartFailed
		return true
	}
	p.state = PartRetry
	return false
}
