package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mpvd/internal/media"
	"mpvd/internal/mpv"
)

var errMissingFile = errors.New("no such file")

type fakeConn struct {
	mu     sync.Mutex
	props  map[string]float64
	sent   [][]any
	events chan mpv.Event
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		props:  map[string]float64{"time-pos": 0, "duration": 120, "volume": 100},
		events: make(chan mpv.Event, 8),
	}
}

func (c *fakeConn) Send(ctx context.Context, cmd ...any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return nil, nil
}

func (c *fakeConn) SetProperty(ctx context.Context, name string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, []any{"set_property", name, value})
	return nil
}

func (c *fakeConn) GetFloat(ctx context.Context, name string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props[name], nil
}

func (c *fakeConn) Observe() <-chan mpv.Event { return c.events }

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) commands() [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]any, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakePlayer struct {
	mu       sync.Mutex
	conn     *fakeConn
	startErr error
	starts   int
	stops    int
	exits    chan mpv.ExitStatus
	route    string
	volume   int
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{exits: make(chan mpv.ExitStatus, 1)}
}

func (p *fakePlayer) Start(ctx context.Context, mediaPath string) (PlayerConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.conn = newFakeConn()
	return p.conn, nil
}

func (p *fakePlayer) Stop(ctx context.Context, conn PlayerConn, graceful bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakePlayer) Exits() <-chan mpv.ExitStatus { return p.exits }

func (p *fakePlayer) SetOutputRoute(route string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.route = route
}

func (p *fakePlayer) SetVolume(level int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = level
}

func (p *fakePlayer) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *fakePlayer) lastConn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

type fakeLibrary struct {
	files map[string]string
}

func (l *fakeLibrary) ResolveExisting(name string) (string, error) {
	path, ok := l.files[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errMissingFile, name)
	}
	return path, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	nextID int64
	starts []string
	ends   map[int64]string
}

func (r *fakeRecorder) RecordStart(ctx context.Context, file string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.starts = append(r.starts, file)
	return r.nextID, nil
}

func (r *fakeRecorder) RecordEnd(ctx context.Context, id int64, reason string, position float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ends == nil {
		r.ends = make(map[int64]string)
	}
	r.ends[id] = reason
	return nil
}

func (r *fakeRecorder) endReason(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.ends[id]
	return reason, ok
}

// startController spins up a controller run loop backed by fakes. The poll
// interval is set long enough that refresh never interferes with a test.
func startController(t *testing.T, player *fakePlayer, recorder *fakeRecorder) *Controller {
	t.Helper()

	library := &fakeLibrary{files: map[string]string{
		"movie.mp4": "/media/movie.mp4",
		"other.mkv": "/media/other.mkv",
	}}

	var journal Recorder
	if recorder != nil {
		journal = recorder
	}

	ctrl := NewController(player, library, journal, Options{
		PollInterval:  time.Hour,
		DefaultVolume: 100,
		OutputRoute:   "auto",
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("run loop did not exit")
		}
	})

	return ctrl
}

// waitForState polls the status snapshot until the session reaches the given
// state or the deadline passes.
func waitForState(t *testing.T, ctrl *Controller, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %q, still %q", want, ctrl.Status().State)
}

func TestStartPlaysFile(t *testing.T) {
	player := newFakePlayer()
	recorder := &fakeRecorder{}
	ctrl := startController(t, player, recorder)

	view, err := ctrl.Start(context.Background(), "movie.mp4")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if view.State != "playing" {
		t.Errorf("state = %q, want %q", view.State, "playing")
	}
	if view.File != "movie.mp4" {
		t.Errorf("file = %q, want %q", view.File, "movie.mp4")
	}
	if player.startCount() != 1 {
		t.Errorf("player started %d times, want 1", player.startCount())
	}

	recorder.mu.Lock()
	starts := len(recorder.starts)
	recorder.mu.Unlock()
	if starts != 1 {
		t.Errorf("recorded %d playback starts, want 1", starts)
	}
}

func TestStartMissingFileNeverSpawns(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	_, err := ctrl.Start(context.Background(), "missing.mp4")
	if !errors.Is(err, errMissingFile) {
		t.Fatalf("Start error = %v, want %v", err, errMissingFile)
	}
	if player.startCount() != 0 {
		t.Errorf("player started %d times for a missing file, want 0", player.startCount())
	}
	if got := ctrl.Status().State; got != "idle" {
		t.Errorf("state = %q, want %q", got, "idle")
	}
}

func TestStartReplacesRunningSession(t *testing.T) {
	player := newFakePlayer()
	recorder := &fakeRecorder{}
	ctrl := startController(t, player, recorder)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	view, err := ctrl.Start(context.Background(), "other.mkv")
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if view.File != "other.mkv" {
		t.Errorf("file = %q, want %q", view.File, "other.mkv")
	}
	if player.startCount() != 2 {
		t.Errorf("player started %d times, want 2", player.startCount())
	}

	// The first play should have been closed out as replaced.
	if reason, ok := recorder.endReason(1); !ok || reason != "replaced" {
		t.Errorf("first play end reason = %q (recorded %v), want %q", reason, ok, "replaced")
	}
}

func TestPauseResume(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	view, err := ctrl.Pause(context.Background())
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if view.State != "paused" {
		t.Errorf("state after pause = %q, want %q", view.State, "paused")
	}

	view, err = ctrl.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if view.State != "playing" {
		t.Errorf("state after resume = %q, want %q", view.State, "playing")
	}
}

func TestControlCommandsRequireActiveSession(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{name: "pause", call: func() error { _, err := ctrl.Pause(ctx); return err }},
		{name: "resume", call: func() error { _, err := ctrl.Resume(ctx); return err }},
		{name: "seek", call: func() error { _, err := ctrl.Seek(ctx, 10); return err }},
		{name: "skip", call: func() error { _, err := ctrl.Skip(ctx, 10); return err }},
		{name: "volume", call: func() error { _, err := ctrl.SetVolume(ctx, 50); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrNoActiveSession) {
				t.Errorf("error = %v, want ErrNoActiveSession", err)
			}
		})
	}
}

func TestStopIdleIsNoOp(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	view, err := ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop on idle session failed: %v", err)
	}
	if view.State != "idle" {
		t.Errorf("state = %q, want %q", view.State, "idle")
	}
}

func TestStopTearsDownSession(t *testing.T) {
	player := newFakePlayer()
	recorder := &fakeRecorder{}
	ctrl := startController(t, player, recorder)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	view, err := ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if view.State != "idle" {
		t.Errorf("state = %q, want %q", view.State, "idle")
	}
	if view.File != "" {
		t.Errorf("file = %q, want empty after stop", view.File)
	}
	if reason, ok := recorder.endReason(1); !ok || reason != "stopped" {
		t.Errorf("end reason = %q (recorded %v), want %q", reason, ok, "stopped")
	}

	// A second stop is still a clean no-op.
	if _, err := ctrl.Stop(context.Background()); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestSeekSendsAbsoluteSeekAndResync(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	view, err := ctrl.Seek(context.Background(), 42.5)
	if err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if view.Position != 42.5 {
		t.Errorf("position = %g, want 42.5", view.Position)
	}

	var sawSeek, sawResync bool
	for _, cmd := range player.lastConn().commands() {
		if len(cmd) == 3 && cmd[0] == "seek" && cmd[2] == "absolute" {
			sawSeek = true
		}
		if len(cmd) == 1 && cmd[0] == "ao-reload" {
			sawResync = true
		}
	}
	if !sawSeek {
		t.Error("no absolute seek command sent")
	}
	if !sawResync {
		t.Error("no audio resync sent after seek")
	}
}

func TestSkipZeroSendsNothing(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	before := len(player.lastConn().commands())

	if _, err := ctrl.Skip(context.Background(), 0); err != nil {
		t.Fatalf("Skip(0) failed: %v", err)
	}
	if after := len(player.lastConn().commands()); after != before {
		t.Errorf("zero skip sent %d commands, want none", after-before)
	}
}

func TestSeekRejectsOutOfBoundsBeforeQueueing(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	_, err := ctrl.Seek(context.Background(), -5)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Seek(-5) error = %v, want *ValidationError", err)
	}
}

func TestVolumeUpdatesPlayerAndState(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	view, err := ctrl.SetVolume(context.Background(), 80)
	if err != nil {
		t.Fatalf("SetVolume failed: %v", err)
	}
	if view.Volume != 80 {
		t.Errorf("volume = %d, want 80", view.Volume)
	}

	player.mu.Lock()
	remembered := player.volume
	player.mu.Unlock()
	if remembered != 80 {
		t.Errorf("supervisor default volume = %d, want 80", remembered)
	}
}

func TestCrashMovesToFailedAndRecovers(t *testing.T) {
	player := newFakePlayer()
	recorder := &fakeRecorder{}
	ctrl := startController(t, player, recorder)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	player.exits <- mpv.ExitStatus{SessionID: "s1", Err: errors.New("signal: killed")}
	waitForState(t, ctrl, "failed")

	view := ctrl.Status()
	if view.LastError == "" {
		t.Error("failed session has no last error")
	}
	if reason, ok := recorder.endReason(1); !ok || reason != "failed" {
		t.Errorf("end reason = %q (recorded %v), want %q", reason, ok, "failed")
	}

	// Commands against the dead session are rejected.
	if _, err := ctrl.Pause(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Pause on failed session error = %v, want ErrNoActiveSession", err)
	}

	// A fresh start recovers from the failure.
	view, err := ctrl.Start(context.Background(), "movie.mp4")
	if err != nil {
		t.Fatalf("Start after crash failed: %v", err)
	}
	if view.State != "playing" {
		t.Errorf("state after recovery = %q, want %q", view.State, "playing")
	}
	if view.LastError != "" {
		t.Errorf("last error = %q, want cleared after recovery", view.LastError)
	}
}

func TestChannelLossFailsSessionAndRejectsCommands(t *testing.T) {
	player := newFakePlayer()
	recorder := &fakeRecorder{}
	ctrl := startController(t, player, recorder)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The socket dropping closes the event stream before any exit
	// notification arrives.
	close(player.lastConn().events)
	waitForState(t, ctrl, "failed")

	if reason, ok := recorder.endReason(1); !ok || reason != "failed" {
		t.Errorf("end reason = %q (recorded %v), want %q", reason, ok, "failed")
	}

	// Commands in the crash window are rejected, and the run loop survives
	// to serve them.
	for name, call := range map[string]func() (View, error){
		"pause":  func() (View, error) { return ctrl.Pause(context.Background()) },
		"seek":   func() (View, error) { return ctrl.Seek(context.Background(), 10) },
		"skip":   func() (View, error) { return ctrl.Skip(context.Background(), 10) },
		"volume": func() (View, error) { return ctrl.SetVolume(context.Background(), 50) },
	} {
		if _, err := call(); !errors.Is(err, ErrNoActiveSession) {
			t.Errorf("%s after channel loss error = %v, want ErrNoActiveSession", name, err)
		}
	}

	view, err := ctrl.Start(context.Background(), "movie.mp4")
	if err != nil {
		t.Fatalf("Start after channel loss failed: %v", err)
	}
	if view.State != "playing" {
		t.Errorf("state after recovery = %q, want %q", view.State, "playing")
	}
}

func TestStopClearsFailedSession(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	player.exits <- mpv.ExitStatus{SessionID: "s1", Err: errors.New("exit status 1")}
	waitForState(t, ctrl, "failed")

	view, err := ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop on failed session failed: %v", err)
	}
	if view.State != "idle" {
		t.Errorf("state = %q, want %q", view.State, "idle")
	}
	if view.LastError != "" {
		t.Errorf("last error = %q, want cleared", view.LastError)
	}
}

func TestEndOfFileReturnsToReady(t *testing.T) {
	player := newFakePlayer()
	recorder := &fakeRecorder{}
	ctrl := startController(t, player, recorder)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	player.lastConn().events <- mpv.EndOfFileEvent{Reason: "eof"}
	waitForState(t, ctrl, "ready")

	view := ctrl.Status()
	if view.File != "" {
		t.Errorf("file = %q, want empty after end of file", view.File)
	}
	if reason, ok := recorder.endReason(1); !ok || reason != "eof" {
		t.Errorf("end reason = %q (recorded %v), want %q", reason, ok, "eof")
	}
}

func TestPauseEventFromPlayer(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The player reporting its own pause flag moves the state machine even
	// though no command was issued.
	player.lastConn().events <- mpv.PauseEvent{Paused: true}
	waitForState(t, ctrl, "paused")

	player.lastConn().events <- mpv.PauseEvent{Paused: false}
	waitForState(t, ctrl, "playing")
}

func TestRouteChangeRestartsPlayback(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	view, err := ctrl.SetOutputRoute(context.Background(), "HDMI-A-2")
	if err != nil {
		t.Fatalf("SetOutputRoute failed: %v", err)
	}
	if view.State != "playing" {
		t.Errorf("state = %q, want %q", view.State, "playing")
	}
	if player.startCount() != 2 {
		t.Errorf("player started %d times, want restart on route change", player.startCount())
	}

	player.mu.Lock()
	route := player.route
	player.mu.Unlock()
	if route != "HDMI-A-2" {
		t.Errorf("supervisor route = %q, want %q", route, "HDMI-A-2")
	}
}

func TestRouteChangeWhileIdleJustRecords(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	view, err := ctrl.SetOutputRoute(context.Background(), "HDMI-A-1")
	if err != nil {
		t.Fatalf("SetOutputRoute failed: %v", err)
	}
	if view.State != "idle" {
		t.Errorf("state = %q, want %q", view.State, "idle")
	}
	if player.startCount() != 0 {
		t.Errorf("player started %d times while idle, want 0", player.startCount())
	}
}

func TestFullQueueRejectsWithBusy(t *testing.T) {
	player := newFakePlayer()
	library := &fakeLibrary{files: map[string]string{"movie.mp4": "/media/movie.mp4"}}
	ctrl := NewController(player, library, nil, Options{
		PollInterval: time.Hour,
		QueueSize:    1,
	}, zerolog.Nop())

	// No run loop: the first submission parks in the queue, the second finds
	// it full.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ctrl.Stop(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("queued Stop error = %v, want context.Canceled", err)
	}

	if _, err := ctrl.Stop(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Stop with full queue error = %v, want ErrBusy", err)
	}
}

// stalledReader blocks every Read until released, holding its transfer open.
type stalledReader struct {
	release chan struct{}
}

func (r *stalledReader) Read(p []byte) (int, error) {
	<-r.release
	return 0, io.EOF
}

func TestSeekUnaffectedByInFlightUpload(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	if _, err := ctrl.Start(context.Background(), "movie.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	store, err := media.NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	transfers := media.NewTransfers(store, 0, zerolog.Nop())

	tr, err := transfers.Begin("upload.mp4", -1)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	reader := &stalledReader{release: make(chan struct{})}

	ingestDone := make(chan error, 1)
	go func() { ingestDone <- tr.Ingest(reader) }()

	// The upload is parked mid-ingest; playback commands must not wait on
	// it.
	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Seek(context.Background(), 30)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Seek during upload failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Seek blocked behind an in-flight upload")
	}

	close(reader.release)
	if err := <-ingestDone; err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	tr.Abort()
}

func TestStatusNeverBlocks(t *testing.T) {
	player := newFakePlayer()
	ctrl := startController(t, player, nil)

	done := make(chan View, 1)
	go func() { done <- ctrl.Status() }()

	select {
	case view := <-done:
		if view.State != "idle" {
			t.Errorf("state = %q, want %q", view.State, "idle")
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked")
	}
}
