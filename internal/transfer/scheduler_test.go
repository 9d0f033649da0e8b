package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerAdmit(t *testing.T) {
	tests := []struct {
		name     string
		parts    int
		channels int
		admitted int
	}{
		{name: "fewer parts than channels", parts: 2, channels: 5, admitted: 2},
		{name: "more parts than channels", parts: 10, channels: 3, admitted: 3},
		{name: "no parts", parts: 0, channels: 3, admitted: 0},
		{name: "zero channels admits one", parts: 4, channels: 0, admitted: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(Split(int64(tt.parts)*10, 10), tt.channels)

			batch := s.admit()
			require.Len(t, batch, tt.admitted)
			for i, p := range batch {
				assert.Equal(t, i, p.index)
				assert.Equal(t, PartInitiating, p.getState())
			}
			assert.Equal(t, tt.admitted, s.inFlight())
		})
	}
}

func TestSchedulerNext(t *testing.T) {
	s := newScheduler(Split(50, 10), 2)
	batch := s.admit()
	require.Len(t, batch, 2)

	batch[0].succeed("a")
	next := s.next()
	require.NotNil(t, next)
	assert.Equal(t, 2, next.index)

	// A retrying part keeps its slot and is never claimed again.
	assert.False(t, batch[1].retry(3))
	next = s.next()
	require.NotNil(t, next)
	assert.Equal(t, 3, next.index)
	assert.Equal(t, 3, s.inFlight())

	assert.Equal(t, 4, s.next().index)
	assert.Nil(t, s.next())
	assert.False(t, s.done())

	for _, p := range s.parts {
		p.succeed("")
	}
	assert.True(t, s.done())
	assert.Zero(t, s.inFlight())
}

func TestPartRetry(t *testing.T) {
	p := newPart(0, Range{Offset: 0, Length: 10})

	assert.False(t, p.retry(3))
	assert.Equal(t, PartRetry, p.getState())
	assert.False(t, p.retry(3))
	assert.True(t, p.retry(3))

	info := p.info()
	assert.Equal(t, PartFailed, info.State)
	assert.Equal(t, 3, info.RetryCount)
}
