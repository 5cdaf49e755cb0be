package terminal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopClient struct{}

func (nopClient) SendJSON(any) error { return nil }
func (nopClient) Close() error       { return nil }

func newTestSession() *Session {
	return newSession("sess-1", "agent-1", "user-1", "", 24, 80, nopClient{})
}

func TestBufferOverflowRetainsNewestHalf(t *testing.T) {
	s := newTestSession()

	for i := 0; i < bufferCap; i++ {
		s.AppendOutput(fmt.Sprintf("chunk-%d", i))
	}
	require.Equal(t, bufferCap, s.BufferLen())

	// One chunk past the cap drops the older half.
	s.AppendOutput("chunk-1000")
	assert.Equal(t, bufferRetain+1, s.BufferLen())

	snap := s.BufferSnapshot()
	assert.Equal(t, "chunk-500", snap[0], "oldest surviving chunk")
	assert.Equal(t, "chunk-1000", snap[len(snap)-1], "newest chunk survives")
}

func TestBufferNeverExceedsCap(t *testing.T) {
	s := newTestSession()
	for i := 0; i < 3*bufferCap; i++ {
		s.AppendOutput("x")
		assert.LessOrEqual(t, s.BufferLen(), bufferCap)
	}
}

func TestRecordInputAssemblesLines(t *testing.T) {
	s := newTestSession()

	// Interactive input arrives one keystroke at a time.
	for _, ch := range []string{"G", "e", "t", "-", "D", "a", "t", "e"} {
		assert.Empty(t, s.RecordInput(ch))
	}
	lines := s.RecordInput("\r\n")
	require.Equal(t, []string{"Get-Date"}, lines)

	// A frame may carry several lines plus a trailing partial.
	lines = s.RecordInput("dir\ncls\npartial")
	require.Equal(t, []string{"dir", "cls"}, lines)

	lines = s.RecordInput("-rest\n")
	require.Equal(t, []string{"partial-rest"}, lines)
}

func TestRecordInputSkipsBlankLines(t *testing.T) {
	s := newTestSession()
	assert.Empty(t, s.RecordInput("\n"))
	assert.Empty(t, s.RecordInput("   \r\n"))
}

func TestLastActivityMonotonic(t *testing.T) {
	s := newTestSession()

	prev := s.LastActivity()
	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		s.Touch()
		cur := s.LastActivity()
		assert.False(t, cur.Before(prev), "last_activity must never go backwards")
		prev = cur
	}

	s.AppendOutput("data")
	assert.False(t, s.LastActivity().Before(prev))

	s.Resize(40, 120)
	assert.False(t, s.LastActivity().Before(prev))
}

func TestResizeUpdatesGeometry(t *testing.T) {
	s := newTestSession()
	s.Resize(50, 132)
	rows, cols := s.Geometry()
	assert.Equal(t, 50, rows)
	assert.Equal(t, 132, cols)
}

func TestClosedIsTerminal(t *testing.T) {
	s := newTestSession()
	assert.Equal(t, StatusActive, s.Status())

	s.setStatus(StatusClosed)
	s.setStatus(StatusError)
	assert.Equal(t, StatusClosed, s.Status())
}
