package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mpvd/internal/mpv"
)

// Player abstracts the process supervisor so the controller can be exercised
// without a real player binary.
type Player interface {
	Start(ctx context.Context, mediaPath string) (PlayerConn, error)
	Stop(ctx context.Context, conn PlayerConn, graceful bool) error
	Exits() <-chan mpv.ExitStatus
	SetOutputRoute(route string)
	SetVolume(level int)
}

// PlayerConn is the control channel to a running player process.
type PlayerConn interface {
	Send(ctx context.Context, cmd ...any) (json.RawMessage, error)
	SetProperty(ctx context.Context, name string, value any) error
	GetFloat(ctx context.Context, name string) (float64, error)
	Observe() <-chan mpv.Event
	Close()
}

// Library resolves caller-supplied media names to paths confined to the
// managed media directory.
type Library interface {
	ResolveExisting(name string) (string, error)
}

// Recorder receives best-effort playback history notifications. May be nil.
type Recorder interface {
	RecordStart(ctx context.Context, file string) (int64, error)
	RecordEnd(ctx context.Context, id int64, reason string, position float64) error
}

// Options tune the controller.
type Options struct {
	PollInterval  time.Duration // property refresh cadence, default 1s
	DefaultVolume int
	OutputRoute   string
	QueueSize     int // pending commands before callers get ErrBusy, default 4
}

// Number of consecutive property-poll failures tolerated before the channel
// is declared dead and the session moves to failed.
const maxPollFailures = 3

// Delay between a successful seek and the forced audio resync; seeking
// desynchronizes audio from video without it.
const resyncDelay = 100 * time.Millisecond

// Bound on the shutdown teardown once the run loop's context is cancelled.
const gracePeriod = 10 * time.Second

type opKind int

const (
	opStart opKind = iota
	opResume
	opPause
	opStop
	opSeek
	opSkip
	opVolume
	opRoute
)

// request is a validated, normalized command queued for dispatch. It is only
// constructed after validation succeeds.
type request struct {
	op    opKind
	file  string
	pos   float64
	delta float64
	level int
	route string
	reply chan result
}

type result struct {
	view View
	err  error
}

// sessionState is the single owned session value. Mutated only by the run
// loop; read everywhere else through a snapshot accessor.
type sessionState struct {
	state     State
	file      string
	position  float64
	duration  float64
	volume    int
	route     string
	lastErr   string
	startedAt time.Time
	journalID int64
}

// Controller reconciles caller intent, the player process lifecycle and the
// player's self-reported state into one serialized session model. All
// channel traffic and every state transition happen on the run loop; callers
// submit requests and await results rather than touching the channel.
type Controller struct {
	player  Player
	library Library
	journal Recorder
	opts    Options
	logger  zerolog.Logger

	requests chan request

	mu   sync.RWMutex
	sess sessionState

	// Loop-owned; never touched outside the run loop.
	conn         PlayerConn
	pollFailures int
}

// NewController creates a Controller around the given player and library.
func NewController(player Player, library Library, journal Recorder, opts Options, logger zerolog.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4
	}
	if opts.OutputRoute == "" {
		opts.OutputRoute = "auto"
	}
	return &Controller{
		player:   player,
		library:  library,
		journal:  journal,
		opts:     opts,
		logger:   logger.With().Str("component", "session").Logger(),
		requests: make(chan request, opts.QueueSize),
		sess: sessionState{
			state:  StateIdle,
			volume: opts.DefaultVolume,
			route:  opts.OutputRoute,
		},
	}
}

// Run is the serialized command loop. It owns the control channel and the
// state machine and blocks until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()

	c.logger.Info().Dur("poll_interval", c.opts.PollInterval).Msg("Starting session controller")

	for {
		var events <-chan mpv.Event
		if c.conn != nil {
			events = c.conn.Observe()
		}

		select {
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		case req := <-c.requests:
			req.reply <- result{err: c.dispatch(ctx, req), view: c.Status()}
		case ev, ok := <-events:
			if !ok {
				// The stream only ends on a socket drop we did not
				// initiate; the process is gone or wedged.
				c.handleStreamClosed(ctx)
				continue
			}
			c.handleEvent(ctx, ev)
		case exit := <-c.player.Exits():
			c.handleExit(ctx, exit)
		case <-poll.C:
			c.refresh(ctx)
		}
	}
}

// Status returns the last-settled session snapshot. It never fails and never
// waits on a command in flight.
func (c *Controller) Status() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{
		State:     c.sess.state.String(),
		File:      c.sess.file,
		Position:  c.sess.position,
		Duration:  c.sess.duration,
		Volume:    c.sess.volume,
		LastError: c.sess.lastErr,
	}
}

// Start loads the named file into a fresh session, tearing down any running
// one first. The file must already exist in the media directory.
func (c *Controller) Start(ctx context.Context, name string) (View, error) {
	if _, err := c.library.ResolveExisting(name); err != nil {
		return c.Status(), err
	}
	return c.submit(ctx, request{op: opStart, file: name})
}

// Resume unpauses playback.
func (c *Controller) Resume(ctx context.Context) (View, error) {
	return c.submit(ctx, request{op: opResume})
}

// Pause pauses playback.
func (c *Controller) Pause(ctx context.Context) (View, error) {
	return c.submit(ctx, request{op: opPause})
}

// Stop tears down the session. Stopping an idle session is a no-op, not an
// error.
func (c *Controller) Stop(ctx context.Context) (View, error) {
	return c.submit(ctx, request{op: opStop})
}

// Seek moves playback to an absolute position in seconds.
func (c *Controller) Seek(ctx context.Context, position float64) (View, error) {
	if err := ValidateSeek(position); err != nil {
		return c.Status(), err
	}
	return c.submit(ctx, request{op: opSeek, pos: position})
}

// Skip moves playback by a relative number of seconds.
func (c *Controller) Skip(ctx context.Context, delta float64) (View, error) {
	if err := ValidateSkip(delta); err != nil {
		return c.Status(), err
	}
	return c.submit(ctx, request{op: opSkip, delta: delta})
}

// SetVolume sets the playback volume.
func (c *Controller) SetVolume(ctx context.Context, level int) (View, error) {
	if err := ValidateVolume(level); err != nil {
		return c.Status(), err
	}
	return c.submit(ctx, request{op: opVolume, level: level})
}

// SetOutputRoute changes the video output connector. Because the player
// binds its output at spawn time, a playing session is restarted on the new
// route and seeked back to its prior position.
func (c *Controller) SetOutputRoute(ctx context.Context, route string) (View, error) {
	if err := ValidateOutputRoute(route); err != nil {
		return c.Status(), err
	}
	return c.submit(ctx, request{op: opRoute, route: route})
}

// submit queues a validated request for the run loop. A full queue rejects
// with ErrBusy rather than interleaving commands on the single-flight
// channel.
func (c *Controller) submit(ctx context.Context, req request) (View, error) {
	req.reply = make(chan result, 1)

	select {
	case c.requests <- req:
	default:
		return c.Status(), ErrBusy
	}

	select {
	case res := <-req.reply:
		return res.view, res.err
	case <-ctx.Done():
		// The loop will still execute and resolve the command; only this
		// caller stops waiting.
		return c.Status(), ctx.Err()
	}
}

// dispatch executes one request on the run loop.
func (c *Controller) dispatch(ctx context.Context, req request) error {
	switch req.op {
	case opStart:
		return c.doStart(ctx, req.file)
	case opResume:
		return c.doSetPause(ctx, false)
	case opPause:
		return c.doSetPause(ctx, true)
	case opStop:
		return c.doStop(ctx, "stopped")
	case opSeek:
		return c.doSeek(ctx, req.pos)
	case opSkip:
		return c.doSkip(ctx, req.delta)
	case opVolume:
		return c.doVolume(ctx, req.level)
	case opRoute:
		return c.doRoute(ctx, req.route)
	default:
		return nil
	}
}

func (c *Controller) doStart(ctx context.Context, name string) error {
	path, err := c.library.ResolveExisting(name)
	if err != nil {
		return err
	}

	// A new file never hot-swaps onto the running process; the player binds
	// its output device and file at spawn time.
	if err := c.doStop(ctx, "replaced"); err != nil {
		c.logger.Warn().Err(err).Msg("Teardown before start failed")
	}

	c.setState(StateStarting)
	c.update(func(s *sessionState) {
		s.file = name
		s.position = 0
		s.duration = 0
		s.lastErr = ""
	})

	conn, err := c.player.Start(ctx, path)
	if err != nil {
		c.setFailed("start failed: "+err.Error())
		return err
	}
	c.conn = conn
	c.pollFailures = 0
	c.setState(StateReady)

	// File playback begins as soon as the process is up.
	c.setState(StatePlaying)
	c.update(func(s *sessionState) { s.startedAt = time.Now() })

	c.logger.Info().Str("file", name).Msg("Playback started")

	if c.journal != nil {
		if id, err := c.journal.RecordStart(ctx, name); err != nil {
			c.logger.Warn().Err(err).Msg("Could not record playback start")
		} else {
			c.update(func(s *sessionState) { s.journalID = id })
		}
	}
	return nil
}

// liveConn returns the control channel when direct playback commands are
// valid: a controllable state and a connection that is still up. The two can
// disagree inside the crash window between a socket drop and the exit
// notification.
func (c *Controller) liveConn() (PlayerConn, error) {
	if c.conn == nil || !controllable(c.currentState()) {
		return nil, ErrNoActiveSession
	}
	return c.conn, nil
}

func (c *Controller) doSetPause(ctx context.Context, paused bool) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	if err := conn.SetProperty(ctx, "pause", paused); err != nil {
		return c.channelFailure(ctx, err)
	}
	if paused {
		c.setState(StatePaused)
	} else {
		c.setState(StatePlaying)
	}
	return nil
}

func (c *Controller) doStop(ctx context.Context, reason string) error {
	state := c.currentState()
	switch state {
	case StateIdle:
		return nil
	case StateFailed:
		// Nothing alive; stop clears the failure so callers land back on a
		// clean idle session.
		c.closeConn()
		if err := c.player.Stop(ctx, nil, false); err != nil {
			c.logger.Warn().Err(err).Msg("Cleanup of failed session")
		}
		c.clearSession(StateIdle)
		return nil
	}

	c.setState(StateStopping)
	c.recordEnd(ctx, reason)

	conn := c.conn
	if err := c.player.Stop(ctx, conn, true); err != nil {
		c.logger.Warn().Err(err).Msg("Player stop reported an error")
	}
	c.closeConnAndClear()
	c.logger.Info().Str("reason", reason).Msg("Playback stopped")
	return nil
}

func (c *Controller) doSeek(ctx context.Context, position float64) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	if _, err := conn.Send(ctx, "seek", position, "absolute"); err != nil {
		return c.channelFailure(ctx, err)
	}
	c.resync(ctx)
	c.update(func(s *sessionState) { s.position = position })
	return nil
}

func (c *Controller) doSkip(ctx context.Context, delta float64) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	if delta == 0 {
		return nil
	}
	if _, err := conn.Send(ctx, "seek", delta, "relative"); err != nil {
		return c.channelFailure(ctx, err)
	}
	c.resync(ctx)
	if pos, err := conn.GetFloat(ctx, "time-pos"); err == nil {
		c.update(func(s *sessionState) { s.position = pos })
	}
	return nil
}

func (c *Controller) doVolume(ctx context.Context, level int) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	if err := conn.SetProperty(ctx, "volume", level); err != nil {
		return c.channelFailure(ctx, err)
	}
	c.player.SetVolume(level)
	c.update(func(s *sessionState) { s.volume = level })
	return nil
}

func (c *Controller) doRoute(ctx context.Context, route string) error {
	c.player.SetOutputRoute(route)
	c.update(func(s *sessionState) { s.route = route })

	snap := c.snapshot()
	if !controllable(snap.state) || snap.file == "" {
		c.logger.Info().Str("route", route).Msg("Output route recorded")
		return nil
	}

	// Restart on the new connector and pick up where we left off.
	file, position := snap.file, snap.position
	if err := c.doStart(ctx, file); err != nil {
		return err
	}
	if position > 0 {
		if err := c.doSeek(ctx, position); err != nil {
			c.logger.Warn().Err(err).Msg("Could not restore position after route change")
		}
	}
	c.logger.Info().Str("route", route).Str("file", file).Msg("Output route changed")
	return nil
}

// resync forces an audio-output reload after a seek. Best effort; a failed
// resync does not fail the seek.
func (c *Controller) resync(ctx context.Context) {
	time.Sleep(resyncDelay)
	if _, err := c.conn.Send(ctx, "ao-reload"); err != nil {
		c.logger.Warn().Err(err).Msg("Audio resync failed")
	}
}

// handleEvent applies transitions owned by the player's event stream: the
// pause flag and end-of-file edges.
func (c *Controller) handleEvent(ctx context.Context, ev mpv.Event) {
	switch e := ev.(type) {
	case mpv.PositionEvent:
		if controllable(c.currentState()) {
			c.update(func(s *sessionState) { s.position = e.Seconds })
		}
	case mpv.PauseEvent:
		switch {
		case e.Paused && c.currentState() == StatePlaying:
			c.setState(StatePaused)
		case !e.Paused && c.currentState() == StatePaused:
			c.setState(StatePlaying)
		}
	case mpv.EndOfFileEvent:
		if !controllable(c.currentState()) {
			return
		}
		c.logger.Info().Str("reason", e.Reason).Msg("End of file")
		c.recordEnd(ctx, "eof")
		c.update(func(s *sessionState) {
			s.file = ""
			s.position = 0
			s.duration = 0
		})
		c.setState(StateReady)
	}
}

// handleStreamClosed applies the socket-dropped edge. The supervisor's exit
// notification may still be in flight, so the session is failed here rather
// than left playing against a dead channel.
func (c *Controller) handleStreamClosed(ctx context.Context) {
	c.logger.Error().Msg("Control channel closed unexpectedly")
	c.closeConn()
	if err := c.player.Stop(ctx, nil, false); err != nil {
		c.logger.Warn().Err(err).Msg("Cleanup after channel loss")
	}
	c.recordEnd(ctx, "failed")
	c.setFailed("control channel closed unexpectedly")
}

// handleExit applies the process-died edge. Stops initiated by the
// supervisor never show up here, so every exit is a crash.
func (c *Controller) handleExit(ctx context.Context, exit mpv.ExitStatus) {
	c.logger.Error().Err(exit.Err).Str("session_id", exit.SessionID).Msg("Player died")
	c.closeConn()
	// Reap leftovers and remove the stale socket.
	if err := c.player.Stop(ctx, nil, false); err != nil {
		c.logger.Warn().Err(err).Msg("Cleanup after crash")
	}
	c.recordEnd(ctx, "failed")
	c.setFailed("player process exited unexpectedly")
}

// refresh is the background property poll. It keeps position, duration and
// volume fresh without driving enumerated-state transitions.
func (c *Controller) refresh(ctx context.Context) {
	if c.conn == nil || !controllable(c.currentState()) {
		return
	}

	pos, err := c.conn.GetFloat(ctx, "time-pos")
	if err != nil {
		c.pollFailure(ctx, err)
		return
	}
	dur, err := c.conn.GetFloat(ctx, "duration")
	if err != nil {
		c.pollFailure(ctx, err)
		return
	}
	vol, err := c.conn.GetFloat(ctx, "volume")
	if err != nil {
		c.pollFailure(ctx, err)
		return
	}

	c.pollFailures = 0
	c.update(func(s *sessionState) {
		s.position = pos
		s.duration = dur
		s.volume = int(vol)
	})
}

// pollFailure tolerates transient channel errors; only repeated failures
// move the session toward failed.
func (c *Controller) pollFailure(ctx context.Context, err error) {
	c.pollFailures++
	c.logger.Debug().Err(err).Int("consecutive", c.pollFailures).Msg("Property poll failed")
	if c.pollFailures < maxPollFailures {
		return
	}
	c.logger.Error().Err(err).Msg("Control channel unresponsive")
	c.closeConn()
	if stopErr := c.player.Stop(ctx, nil, false); stopErr != nil {
		c.logger.Warn().Err(stopErr).Msg("Teardown of unresponsive player")
	}
	c.recordEnd(ctx, "failed")
	c.setFailed("control channel unresponsive")
}

// channelFailure translates a failed command into session state. Validation
// already happened, so any error here is transport or player trouble.
func (c *Controller) channelFailure(ctx context.Context, err error) error {
	c.logger.Warn().Err(err).Msg("Command failed on channel")
	c.update(func(s *sessionState) { s.lastErr = err.Error() })
	return err
}

// teardown stops everything on shutdown. Uses a fresh bounded context since
// the loop's context is already cancelled.
func (c *Controller) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	if err := c.doStop(ctx, "shutdown"); err != nil {
		c.logger.Warn().Err(err).Msg("Shutdown stop failed")
	}
}

func (c *Controller) recordEnd(ctx context.Context, reason string) {
	snap := c.snapshot()
	if c.journal == nil || snap.journalID == 0 {
		return
	}
	if err := c.journal.RecordEnd(ctx, snap.journalID, reason, snap.position); err != nil {
		c.logger.Warn().Err(err).Msg("Could not record playback end")
	}
	c.update(func(s *sessionState) { s.journalID = 0 })
}

func (c *Controller) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Controller) closeConnAndClear() {
	c.closeConn()
	c.clearSession(StateIdle)
}

func (c *Controller) clearSession(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.state = to
	c.sess.file = ""
	c.sess.position = 0
	c.sess.duration = 0
	c.sess.startedAt = time.Time{}
	c.sess.journalID = 0
	c.sess.lastErr = ""
}

func (c *Controller) setFailed(reason string) {
	c.mu.Lock()
	c.sess.state = StateFailed
	c.sess.lastErr = reason
	c.mu.Unlock()
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.sess.state
	if !validTransition(from, to) {
		// Defined edges only; anything else is a bug worth hearing about.
		c.logger.Error().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Undefined state transition")
	}
	c.sess.state = to
}

func (c *Controller) currentState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess.state
}

func (c *Controller) snapshot() sessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

func (c *Controller) update(fn func(*sessionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.sess)
}

// SupervisorPlayer adapts the mpv supervisor to the Player interface.
type SupervisorPlayer struct {
	Supervisor *mpv.Supervisor
}

func (p SupervisorPlayer) Start(ctx context.Context, mediaPath string) (PlayerConn, error) {
	ch, err := p.Supervisor.Start(ctx, mediaPath)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (p SupervisorPlayer) Stop(ctx context.Context, conn PlayerConn, graceful bool) error {
	ch, _ := conn.(*mpv.Channel)
	return p.Supervisor.Stop(ctx, ch, graceful)
}

func (p SupervisorPlayer) Exits() <-chan mpv.ExitStatus { return p.Supervisor.Exits() }
func (p SupervisorPlayer) SetOutputRoute(route string)  { p.Supervisor.SetOutputRoute(route) }
func (p SupervisorPlayer) SetVolume(level int)          { p.Supervisor.SetVolume(level) }
