package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Channel errors surfaced to the session controller.
var (
	// ErrChannelUnavailable is returned when the player's IPC socket does
	// not accept a connection within the bounded wait after spawn.
	ErrChannelUnavailable = errors.New("mpv: ipc socket not available")

	// ErrChannelTimeout is returned when a command receives no correlated
	// reply within the send timeout.
	ErrChannelTimeout = errors.New("mpv: command timed out")

	// ErrChannelClosed is returned for commands issued after the socket
	// closed, and delivered to commands in flight when it closes.
	ErrChannelClosed = errors.New("mpv: channel closed")
)

const (
	connectAttempts = 10
	connectDelay    = 200 * time.Millisecond
	defaultTimeout  = 3 * time.Second

	// mpv responses are one JSON object per line; property data stays small
	// but playlists and track lists can run long.
	maxLineSize = 1 << 20
)

// CommandError is a non-success reply from the player to an otherwise
// well-formed command.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("mpv: command failed: %s", e.Reason)
}

// request is the JSON IPC request frame. RequestID correlates the matching
// reply on the shared socket.
type request struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

// message is the union of reply and event frames the player writes.
type message struct {
	Event     string          `json:"event"`
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	Reason    string          `json:"reason"`
}

// Channel is the request/response transport to one running player process
// over its newline-framed JSON IPC socket. Replies are correlated by
// request_id so property-change events can be delivered independently of
// commands in flight. A Channel serves exactly one process; it is not
// reconnected after the process dies.
type Channel struct {
	conn    net.Conn
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan message
	closed  bool

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// Connect dials the player's IPC socket. The player creates its socket
// asynchronously after spawn, so the dial is retried with a bounded attempt
// count rather than failing on the first miss.
func Connect(ctx context.Context, socketPath string, logger zerolog.Logger) (*Channel, error) {
	var conn net.Conn
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(connectDelay):
			}
		}

		c, err := net.DialTimeout("unix", socketPath, connectDelay)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrChannelUnavailable, connectAttempts, lastErr)
	}

	c := &Channel{
		conn:    conn,
		logger:  logger.With().Str("component", "channel").Logger(),
		timeout: defaultTimeout,
		pending: make(map[int64]chan message),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}

	go c.readLoop()

	if err := c.observeProperties(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("register property observers: %w", err)
	}

	return c, nil
}

// observeProperties registers for the async notifications the state machine
// consumes: position, pause flag and end-of-file.
func (c *Channel) observeProperties(ctx context.Context) error {
	observed := map[int]string{
		observeTimePos: "time-pos",
		observePause:   "pause",
		observeEOF:     "eof-reached",
	}
	for id, name := range observed {
		if _, err := c.Send(ctx, "observe_property", id, name); err != nil {
			return fmt.Errorf("observe %s: %w", name, err)
		}
	}
	return nil
}

// Send writes one framed command and waits for the correlated reply. A
// non-success reply is returned as *CommandError; transport failures map to
// ErrChannelTimeout or ErrChannelClosed.
func (c *Channel) Send(ctx context.Context, cmd ...any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	reply := make(chan message, 1)
	c.pending[id] = reply

	payload, err := json.Marshal(request{Command: cmd, RequestID: id})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	// Writes share the socket with every other command; serialize them
	// under the same lock that guards the pending table.
	_, err = c.conn.Write(append(payload, '\n'))
	c.mu.Unlock()
	if err != nil {
		c.discard(id)
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		if msg.Error != "" && msg.Error != "success" {
			return nil, &CommandError{Reason: msg.Error}
		}
		return msg.Data, nil
	case <-timer.C:
		c.discard(id)
		return nil, ErrChannelTimeout
	case <-c.done:
		c.discard(id)
		return nil, ErrChannelClosed
	case <-ctx.Done():
		c.discard(id)
		return nil, ctx.Err()
	}
}

// GetProperty fetches a property value and decodes it into out.
func (c *Channel) GetProperty(ctx context.Context, name string, out any) error {
	data, err := c.Send(ctx, "get_property", name)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("mpv: property %s has no data", name)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode property %s: %w", name, err)
	}
	return nil
}

// GetFloat fetches a numeric property such as time-pos or duration.
func (c *Channel) GetFloat(ctx context.Context, name string) (float64, error) {
	var v float64
	if err := c.GetProperty(ctx, name, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// SetProperty sets a property value.
func (c *Channel) SetProperty(ctx context.Context, name string, value any) error {
	_, err := c.Send(ctx, "set_property", name, value)
	return err
}

// Observe returns the stream of asynchronous events pushed by the player.
// The channel is closed when the connection drops.
func (c *Channel) Observe() <-chan Event {
	return c.events
}

// Close releases the socket; idempotent. Commands in flight fail with
// ErrChannelClosed. The socket file itself belongs to the player process and
// is cleaned up by the supervisor.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Channel) discard(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop is the single reader of the socket. It dispatches replies to
// their waiting senders and translates property-change notifications into
// typed events.
func (c *Channel) readLoop() {
	defer close(c.events)
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Unparseable ipc frame")
			continue
		}

		if msg.Event != "" {
			c.dispatchEvent(msg)
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[msg.RequestID]
		if ok {
			delete(c.pending, msg.RequestID)
		}
		c.mu.Unlock()

		if ok {
			reply <- msg
		} else {
			c.logger.Debug().Int64("request_id", msg.RequestID).Msg("Reply with no waiter")
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug().Err(err).Msg("Channel read loop ended")
	}
}

// dispatchEvent maps the wire event onto the typed event set. Events are
// advisory; if the consumer lags, drops are safe because the property poll
// refreshes continuous values anyway.
func (c *Channel) dispatchEvent(msg message) {
	var ev Event

	switch msg.Event {
	case "property-change":
		switch msg.ID {
		case observeTimePos:
			var pos float64
			if err := json.Unmarshal(msg.Data, &pos); err != nil {
				return
			}
			ev = PositionEvent{Seconds: pos}
		case observePause:
			var paused bool
			if err := json.Unmarshal(msg.Data, &paused); err != nil {
				return
			}
			ev = PauseEvent{Paused: paused}
		case observeEOF:
			var reached bool
			if err := json.Unmarshal(msg.Data, &reached); err != nil || !reached {
				return
			}
			ev = EndOfFileEvent{Reason: "eof"}
		default:
			return
		}
	case "end-file":
		ev = EndOfFileEvent{Reason: msg.Reason}
	default:
		return
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Debug().Str("event", msg.Event).Msg("Event dropped, consumer lagging")
	}
}
