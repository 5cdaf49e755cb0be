package terminal

import (
	"strings"
	"sync"
	"time"
)

// Session status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusClosed   = "closed"
	StatusError    = "error"
)

// Output buffer bounds. When the buffer reaches bufferCap chunks, the oldest
// half is dropped in one step so appends stay O(1) amortised.
const (
	bufferCap    = 1000
	bufferRetain = 500
)

// ClientTransport is the write side of the UI connection owning a session.
type ClientTransport interface {
	SendJSON(v any) error
	Close() error
}

// Session is one interactive terminal bridged between a UI client and an
// agent. All mutable fields are guarded by mu; the manager holds a separate
// coarse lock over the session map.
type Session struct {
	ID               string
	AgentID          string
	UserID           string
	WorkingDirectory string
	CreatedAt        time.Time

	mu           sync.Mutex
	status       string
	lastActivity time.Time
	rows, cols   int
	buffer       []string
	pendingInput strings.Builder
	client       ClientTransport
}

func newSession(id, agentID, userID, workingDir string, rows, cols int, client ClientTransport) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:               id,
		AgentID:          agentID,
		UserID:           userID,
		WorkingDirectory: workingDir,
		CreatedAt:        now,
		status:           StatusActive,
		lastActivity:     now,
		rows:             rows,
		cols:             cols,
		buffer:           make([]string, 0, 64),
		client:           client,
	}
}

// Touch advances last_activity. The timestamp never moves backwards, so
// concurrent touches with skewed clocks cannot shrink the idle window.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

func (s *Session) touchLocked() {
	if now := time.Now().UTC(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// LastActivity returns the session's last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns the current session status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatus transitions the session. Closed is terminal: once closed, no
// further transition is applied.
func (s *Session) setStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return
	}
	s.status = status
}

// AppendOutput records an agent output chunk in the bounded replay buffer and
// advances last_activity.
func (s *Session) AppendOutput(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, data)
	if len(s.buffer) > bufferCap {
		// Keep the newest half. Copy into a fresh slice so the dropped
		// backing array can be collected.
		kept := make([]string, bufferRetain+1)
		copy(kept, s.buffer[len(s.buffer)-bufferRetain-1:])
		s.buffer = kept
	}
	s.touchLocked()
}

// BufferLen returns the current replay buffer length.
func (s *Session) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// BufferSnapshot returns a copy of the buffered output chunks.
func (s *Session) BufferSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// RecordInput accumulates UI keystrokes and returns the completed command
// lines once a newline arrives. Interactive input commonly arrives one
// keystroke per frame, so lines are assembled here rather than assuming one
// frame per line. Carriage returns from Windows-style line endings are
// stripped.
func (s *Session) RecordInput(data string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	s.pendingInput.WriteString(data)
	if !strings.Contains(data, "\n") {
		return nil
	}

	buffered := s.pendingInput.String()
	s.pendingInput.Reset()

	var lines []string
	for {
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			// Trailing partial line stays pending.
			s.pendingInput.WriteString(buffered)
			break
		}
		line := strings.TrimRight(buffered[:idx], "\r")
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
		buffered = buffered[idx+1:]
	}
	return lines
}

// Resize updates the session geometry and advances last_activity.
func (s *Session) Resize(rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows, s.cols = rows, cols
	s.touchLocked()
}

// Geometry returns the current rows and cols.
func (s *Session) Geometry() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// sendToClient forwards a frame to the UI transport. The transport serialises
// its own writes, so no session lock is held here.
func (s *Session) sendToClient(v any) error {
	return s.client.SendJSON(v)
}

// closeClient tears down the UI transport.
func (s *Session) closeClient() {
	_ = s.client.Close()
}
