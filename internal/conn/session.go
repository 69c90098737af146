// Package conn manages client connections: the websocket listener, the
// authenticated session registry, per-session read/write pumps and RTT
// measurement.
package conn

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradewind/server/internal/proto"
)

// ErrSlowClient reports a session dropped because its outbound queue
// overflowed.
var ErrSlowClient = errors.New("conn: outbound queue overflow")

const rttWindow = 10

// Session is one authenticated client connection.
type Session struct {
	ID       string
	PlayerID string
	Name     string

	conn *websocket.Conn
	out  chan proto.Frame
	done chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu         sync.Mutex
	roomID     string
	rtts       []time.Duration
	lastSeen   time.Time
	pingSentMs int64
}

// RoomID returns the room this session is playing in, if any.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetRoomID binds the session to a room.
func (s *Session) SetRoomID(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

// LastSeen returns the time of the last inbound frame.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) notePing(sentMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingSentMs = sentMs
}

// recordRTT folds one heartbeat round trip into the sliding window.
func (s *Session) recordRTT(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtts = append(s.rtts, rtt)
	if len(s.rtts) > rttWindow {
		s.rtts = s.rtts[len(s.rtts)-rttWindow:]
	}
}

// RTT is the session's latency figure: the median of the last ten
// heartbeat round trips rather than their mean, so one congested ping
// does not skew lag compensation. Zero before the first heartbeat
// completes.
func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rtts) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.rtts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Send enqueues a frame. A full queue closes the session: a client that
// cannot drain its socket only gets staler the longer we buffer.
func (s *Session) Send(f proto.Frame) error {
	select {
	case <-s.done:
		return errors.New("conn: session closed")
	default:
	}
	select {
	case s.out <- f:
		return nil
	default:
		s.close(ErrSlowClient)
		return ErrSlowClient
	}
}

// SendJSON marshals a payload and enqueues it.
func (s *Session) SendJSON(msgType proto.MessageType, payload any) error {
	f, err := proto.EncodeJSON(msgType, payload)
	if err != nil {
		return err
	}
	return s.Send(f)
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
		s.conn.Close()
	})
}

// Close tears the session down.
func (s *Session) Close() {
	s.close(nil)
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
