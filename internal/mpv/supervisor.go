package mpv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSpawn is returned when the player process cannot be started at all
// (missing binary, permission). It is fatal to the start call; the caller
// decides whether to retry.
var ErrSpawn = errors.New("mpv: failed to spawn player")

const (
	gracefulStopTimeout = 5 * time.Second
	termGracePeriod     = 2 * time.Second
)

// Options configure how the player process is spawned.
type Options struct {
	Binary        string // player binary, default "mpv"
	SocketDir     string // directory for per-session IPC sockets, default os.TempDir()
	OutputRoute   string // DRM connector: "auto", "HDMI-A-1", "HDMI-A-2"
	HardwareAccel bool
	Volume        int
	AudioDevice   string // ALSA device; empty means autodetect
}

// ExitStatus describes an unexpected player process exit.
type ExitStatus struct {
	SessionID string
	Err       error
}

// Supervisor owns the spawn, liveness and termination of at most one player
// process plus its IPC socket endpoint. It reports unexpected exits on a
// channel so the controller learns about crashes without a pending command.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger
	exits  chan ExitStatus

	mu         sync.Mutex
	cmd        *exec.Cmd
	sessionID  string
	socketPath string
	exited     chan struct{} // closed by the waiter when the process is gone
	stopping   bool          // exit is expected, do not report it
}

// NewSupervisor creates a Supervisor. No process is spawned until Start.
func NewSupervisor(opts Options, logger zerolog.Logger) *Supervisor {
	if opts.Binary == "" {
		opts.Binary = "mpv"
	}
	if opts.SocketDir == "" {
		opts.SocketDir = os.TempDir()
	}
	return &Supervisor{
		opts:   opts,
		logger: logger.With().Str("component", "supervisor").Logger(),
		exits:  make(chan ExitStatus, 1),
	}
}

// Exits delivers unexpected process deaths. Exits triggered by Stop are
// absorbed and never appear here.
func (s *Supervisor) Exits() <-chan ExitStatus {
	return s.exits
}

// SetOutputRoute changes the DRM connector used for the next spawn. The
// running process, if any, keeps its output; the player binds the connector
// at spawn time.
func (s *Supervisor) SetOutputRoute(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.OutputRoute = route
}

// SetVolume records the volume applied to the next spawn.
func (s *Supervisor) SetVolume(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Volume = level
}

// Start spawns the player for mediaPath with a unique per-session socket,
// waits for the IPC socket to accept a connection and returns the connected
// channel. Any previously running process is torn down first.
func (s *Supervisor) Start(ctx context.Context, mediaPath string) (*Channel, error) {
	if err := s.Stop(ctx, nil, false); err != nil {
		s.logger.Warn().Err(err).Msg("Teardown of previous session failed")
	}

	sessionID := uuid.NewString()
	socketPath := filepath.Join(s.opts.SocketDir, "mpvd-"+sessionID+".sock")

	s.mu.Lock()
	args := buildArgs(s.opts, socketPath, mediaPath)
	binary := s.opts.Binary
	s.mu.Unlock()

	cmd := exec.Command(binary, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	s.logger.Info().
		Str("session_id", sessionID).
		Str("file", filepath.Base(mediaPath)).
		Msg("Spawning player")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	exited := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.sessionID = sessionID
	s.socketPath = socketPath
	s.exited = exited
	s.stopping = false
	s.mu.Unlock()

	go s.wait(cmd, sessionID, exited)

	ch, err := Connect(ctx, socketPath, s.logger)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Player socket never came up")
		if stopErr := s.Stop(ctx, nil, false); stopErr != nil {
			s.logger.Warn().Err(stopErr).Msg("Cleanup after failed connect")
		}
		return nil, err
	}

	return ch, nil
}

// wait reaps the process and reports the exit unless a Stop is in progress.
func (s *Supervisor) wait(cmd *exec.Cmd, sessionID string, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	s.mu.Lock()
	expected := s.stopping || s.cmd != cmd
	s.mu.Unlock()

	if expected {
		return
	}

	s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Player process exited unexpectedly")
	select {
	case s.exits <- ExitStatus{SessionID: sessionID, Err: err}:
	default:
	}
}

// Stop terminates the current process. With graceful set and a live channel,
// a quit command is sent first and the process given time to exit on its
// own; otherwise, or on timeout, it is signalled and finally killed. The
// stale socket file is removed on every path. Stopping when nothing runs is
// a no-op.
func (s *Supervisor) Stop(ctx context.Context, ch *Channel, graceful bool) error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	socketPath := s.socketPath
	sessionID := s.sessionID
	if cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.cmd = nil
	s.sessionID = ""
	s.socketPath = ""
	s.mu.Unlock()

	defer s.cleanupSocket(socketPath)
	defer s.drainExits()

	if graceful && ch != nil {
		if _, err := ch.Send(ctx, "quit"); err != nil {
			s.logger.Debug().Err(err).Msg("Quit command failed, falling back to signal")
		} else if waitExit(exited, gracefulStopTimeout) {
			s.logger.Info().Str("session_id", sessionID).Msg("Player stopped gracefully")
			return nil
		} else {
			s.logger.Warn().Msg("Player ignored quit, falling back to signal")
		}
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		waitExit(exited, termGracePeriod)
		return nil
	}
	if waitExit(exited, termGracePeriod) {
		return nil
	}

	s.logger.Warn().Str("session_id", sessionID).Msg("Player ignored SIGTERM, killing")
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill player: %w", err)
	}
	waitExit(exited, termGracePeriod)
	return nil
}

// Alive reports whether a spawned process is still running.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if cmd == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// SessionID returns the identifier of the current session, if any.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Supervisor) cleanupSocket(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("socket", path).Msg("Could not remove stale socket")
	}
}

// drainExits absorbs the waiter's notification for an exit we caused, so the
// controller only ever observes genuinely unexpected deaths.
func (s *Supervisor) drainExits() {
	select {
	case <-s.exits:
	default:
	}
}

func waitExit(exited chan struct{}, timeout time.Duration) bool {
	if exited == nil {
		return true
	}
	select {
	case <-exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// buildArgs assembles the headless argument set: no terminal or on-screen
// UI, IPC socket enabled, DRM video output bound to the configured
// connector, and audio routed to the detected HDMI device.
func buildArgs(opts Options, socketPath, mediaPath string) []string {
	args := []string{
		"--no-terminal",
		"--really-quiet",
		"--input-ipc-server=" + socketPath,
		"--idle=yes",
		"--force-window=no",
		"--keep-open=yes",
		fmt.Sprintf("--volume=%d", opts.Volume),
		"--vo=gpu",
		"--gpu-context=drm",
	}

	if opts.OutputRoute != "" && opts.OutputRoute != "auto" {
		args = append(args, "--drm-connector="+opts.OutputRoute)
	}

	if opts.HardwareAccel {
		args = append(args, "--hwdec=auto", "--hwdec-codecs=all")
	}

	if opts.AudioDevice != "" {
		args = append(args, "--audio-device="+opts.AudioDevice)
	}

	args = append(args,
		"--video-output-levels=limited",
		"--video-sync=display-resample",
		mediaPath,
	)

	return args
}

// DetectAudioDevice queries ALSA for an HDMI output and returns the device
// string the player should use. Falls back to the ALSA default when nothing
// HDMI-like is found.
func DetectAudioDevice(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "aplay", "-L").Output()
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, " ") {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "vc4hdmi") || strings.Contains(lower, "hdmi") {
			device := strings.TrimSpace(line)
			if device != "" {
				return "alsa/" + device
			}
		}
	}
	return "alsa/default"
}
