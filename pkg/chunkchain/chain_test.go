package chunkchain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func drainAll(t *testing.T, c *Chain) int {
	t.Helper()
	n := 0
	for {
		idx, ok := c.NextReadable()
		if !ok {
			return n
		}
		c.BeginDrain(idx)
		buf := c.Buffer(idx)
		unread := buf.Len()
		if unread == 0 {
			c.EndDrain(idx)
			return n
		}
		_, err := buf.Read(unread)
		require.NoError(t, err)
		n += unread
		c.EndDrain(idx)
	}
}

// TestSingleMessageDrainsWithoutFollowupPush covers the worker loop's core
// liveness property (§4.3, §8 scenario 1): one buffered message must be
// drainable on its own, without waiting on a second Push to rotate the chunk
// it happens to live in. BeginDrain forces the writer off the chunk so the
// reader can take it even while it is still the active writer chunk.
func TestSingleMessageDrainsWithoutFollowupPush(t *testing.T) {
	c := New(4096, 8)
	dropped, err := c.Push([]byte("hello"))
	require.NoError(t, err)
	require.Zero(t, dropped)

	require.Equal(t, 5, drainAll(t, c))
}

// TestPushThenDrainRoundTrips checks the ordinary multi-chunk case: a second
// push that forces the chain to advance off the first chunk still leaves
// "hello" intact and drainable, followed by the 8 bytes of the second push.
func TestPushThenDrainRoundTrips(t *testing.T) {
	c := New(4096, 8)
	dropped, err := c.Push([]byte("hello"))
	require.NoError(t, err)
	require.Zero(t, dropped)

	dropped, err = c.Push([]byte("world!!!"))
	require.NoError(t, err)
	require.Zero(t, dropped)

	require.Equal(t, 13, drainAll(t, c))
}

// TestFullChainDropsWholeChunks exercises the byte-accounting property of
// spec §8: pushed = delivered + dropped, and drops happen at chunk
// granularity, never splitting a message.
func TestFullChainDropsWholeChunks(t *testing.T) {
	c := New(4096, 1024)

	msg := make([]byte, 900)
	for i := range msg {
		msg[i] = byte('a' + i%26)
	}

	var pushed, dropped int64
	for i := 0; i < 16; i++ {
		d, err := c.Push(msg)
		require.NoError(t, err)
		dropped += d
		pushed += int64(len(msg))
	}

	require.Equal(t, c.DroppedBytes(), dropped)
	require.Greater(t, dropped, int64(0))
	require.True(t, dropped%900 == 0, "drops should be whole messages, got %d", dropped)
}

// TestEndDrainAdvancesReaderOnceFullyDrained checks that the reader cursor
// only moves past a chunk once it has actually been emptied, and that
// BeginDrain/EndDrain bracketing a chunk that still has unread bytes leaves
// the reader cursor where it was.
func TestEndDrainAdvancesReaderOnceFullyDrained(t *testing.T) {
	c := New(4096, 1024)

	// First push fills the initial writer chunk; second forces an advance so
	// the first chunk becomes readable (reader != writer).
	_, err := c.Push(make([]byte, 900))
	require.NoError(t, err)
	_, err = c.Push(make([]byte, 900))
	require.NoError(t, err)

	idx, ok := c.NextReadable()
	require.True(t, ok)

	c.BeginDrain(idx)
	c.EndDrain(idx)
	// Still unread: reader must not have advanced.
	idxAgain, ok := c.NextReadable()
	require.True(t, ok)
	require.Equal(t, idx, idxAgain)

	buf := c.Buffer(idx)
	_, err = buf.Read(buf.Len())
	require.NoError(t, err)
	buf.ConsumeMessage(false)

	c.BeginDrain(idx)
	c.EndDrain(idx)
	// Now fully drained: reader should have moved on (or the chain is empty
	// if idx was also the writer chunk).
	_, stillReadable := c.NextReadable()
	if stillReadable {
		newIdx, _ := c.NextReadable()
		require.NotEqual(t, idx, newIdx)
	}
}

// TestBeginDrainForcesWriterOffActiveChunk checks that once BeginDrain is
// called on the active writer chunk, the writer moves to a different slot so
// a subsequent Push cannot mutate the buffer the reader now owns.
func TestBeginDrainForcesWriterOffActiveChunk(t *testing.T) {
	c := New(4096, 1024)
	_, err := c.Push([]byte("first"))
	require.NoError(t, err)

	idx, ok := c.NextReadable()
	require.True(t, ok)
	require.Equal(t, c.writer, idx)

	c.BeginDrain(idx)
	require.NotEqual(t, c.writer, idx)

	_, err = c.Push([]byte("second"))
	require.NoError(t, err)

	// The chunk under drain still holds only "first".
	buf := c.Buffer(idx)
	require.Equal(t, 5, buf.Len())
	c.EndDrain(idx)
}

func TestBeginConsumeMessageDelegatesToWriterChunk(t *testing.T) {
	c := New(4096, 1024)
	c.BeginMessage()
	_, err := c.Push([]byte("x"))
	require.NoError(t, err)
	c.ConsumeMessage()
}
