package web

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"mpvd/internal/config"
	"mpvd/internal/journal"
	"mpvd/internal/media"
	"mpvd/internal/session"
)

// Controller is the subset of the session controller the API layer drives.
type Controller interface {
	Start(ctx context.Context, name string) (session.View, error)
	Resume(ctx context.Context) (session.View, error)
	Pause(ctx context.Context) (session.View, error)
	Stop(ctx context.Context) (session.View, error)
	Seek(ctx context.Context, position float64) (session.View, error)
	Skip(ctx context.Context, delta float64) (session.View, error)
	SetVolume(ctx context.Context, level int) (session.View, error)
	SetOutputRoute(ctx context.Context, route string) (session.View, error)
	Status() session.View
}

// History is the read side of the playback journal. May be nil when history
// is disabled.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Server exposes the playback controller, media library and transfer
// pipeline over HTTP. It is the only sanctioned caller of the controller.
type Server struct {
	ctrl      Controller
	store     *media.Store
	transfers *media.Transfers
	history   History
	logger    zerolog.Logger

	// cfgMu guards cfg: volume and output handlers persist changes while
	// config reads run on other request goroutines.
	cfgMu sync.Mutex
	cfg   *config.Config
}

// New creates the API server.
func New(ctrl Controller, store *media.Store, transfers *media.Transfers, history History, cfg *config.Config, logger zerolog.Logger) *Server {
	return &Server{
		ctrl:      ctrl,
		store:     store,
		transfers: transfers,
		history:   history,
		cfg:       cfg,
		logger:    logger.With().Str("component", "web").Logger(),
	}
}

// Handler builds the route table wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/play", s.handlePlay)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/seek", s.handleSeek)
	mux.HandleFunc("POST /api/skip", s.handleSkip)
	mux.HandleFunc("POST /api/volume", s.handleVolume)
	mux.HandleFunc("POST /api/output", s.handleOutput)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("DELETE /api/files/{name}", s.handleDeleteFile)

	return LoggingMiddleware(s.logger)(mux)
}
