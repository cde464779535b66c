package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFrameReader(clock *fakeClock) *FrameReader {
	return &FrameReader{Timings: DefaultFrameTimings(), Clock: clock}
}

func TestFrameReaderConcatenatesChunksWithinIdleWindow(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptedTransport{clock: clock, chunks: []chunk{
		{at: 0, data: []byte("0101")},
		{at: ms(300), data: []byte("24;")},
	}}

	frame, err := newFrameReader(clock).Read(tr, "ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, "010124;", string(frame))

	timings := DefaultFrameTimings()
	sinceLast := clock.elapsed() - tr.lastData
	assert.LessOrEqual(t, sinceLast, timings.Idle+timings.Settle)
	assert.Equal(t, ms(1800), clock.elapsed())
}

func TestFrameReaderIdleWindowResetsOnEachChunk(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptedTransport{clock: clock, chunks: []chunk{
		{at: ms(100), data: []byte("a")},
		{at: ms(550), data: []byte("b")},
		{at: ms(1000), data: []byte("c")},
		{at: ms(1600), data: []byte("late")},
	}}

	frame, err := newFrameReader(clock).Read(tr, "ttyUSB0")
	require.NoError(t, err)
	// "late" arrives 600ms after "c": drain stops at 1500ms, but the settle
	// read at 2500ms still picks it up.
	assert.Equal(t, "abclate", string(frame))
	assert.Equal(t, ms(2500), clock.elapsed())
}

func TestFrameReaderDropsNothingAfterSettle(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptedTransport{clock: clock, chunks: []chunk{
		{at: 0, data: []byte("x")},
		{at: ms(5000), data: []byte("too late")},
	}}

	frame, err := newFrameReader(clock).Read(tr, "ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, "x", string(frame))
	assert.Len(t, tr.chunks, 1, "bytes after the settle read stay unread")
}

func TestFrameReaderNoData(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptedTransport{clock: clock}

	_, err := newFrameReader(clock).Read(tr, "ttyUSB0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoData))
	assert.Equal(t, DefaultFrameTimings().Initial, clock.elapsed())
	assert.Empty(t, clock.sleeps, "no settle delay when nothing arrived")
}

func TestFrameReaderTransportFailure(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptedTransport{clock: clock, waitErr: errors.New("device unplugged")}

	_, err := newFrameReader(clock).Read(tr, "ttyUSB0")
	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.Equal(t, "ReadError", err.(*Error).Reason)
}
