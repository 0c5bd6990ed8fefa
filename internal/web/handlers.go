package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"mpvd/internal/media"
	"mpvd/internal/mpv"
	"mpvd/internal/session"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the controller and media error taxonomy onto HTTP status
// codes. Validation errors are safe to surface verbatim.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var validation *session.ValidationError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, media.ErrInvalidFilename):
		status = http.StatusBadRequest
	case errors.Is(err, media.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, media.ErrTransferConflict):
		status = http.StatusConflict
	case errors.Is(err, media.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, mpv.ErrChannelTimeout),
		errors.Is(err, mpv.ErrChannelClosed),
		errors.Is(err, mpv.ErrChannelUnavailable),
		errors.Is(err, mpv.ErrSpawn):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
		writeJSON(w, status, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &session.ValidationError{Field: "body", Value: "", Reason: "malformed JSON: " + err.Error()}
	}
	return nil
}

// handlePlay starts playback of a named file, or resumes when no file is
// given.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		File string `json:"file"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}

	var view session.View
	var err error
	if body.File != "" {
		view, err = s.ctrl.Start(r.Context(), body.File)
	} else {
		view, err = s.ctrl.Resume(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handlePause toggles: a playing session pauses, a paused one resumes.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var view session.View
	var err error
	if s.ctrl.Status().State == session.StatePaused.String() {
		view, err = s.ctrl.Resume(r.Context())
	} else {
		view, err = s.ctrl.Pause(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctrl.Resume(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctrl.Stop(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Position *float64 `json:"position"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Position == nil {
		s.writeError(w, &session.ValidationError{Field: "position", Value: nil, Reason: "missing parameter"})
		return
	}

	view, err := s.ctrl.Seek(r.Context(), *body.Position)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Seconds *float64 `json:"seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Seconds == nil {
		s.writeError(w, &session.ValidationError{Field: "skip", Value: nil, Reason: "missing parameter"})
		return
	}

	view, err := s.ctrl.Skip(r.Context(), *body.Seconds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level *int `json:"level"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Level == nil {
		s.writeError(w, &session.ValidationError{Field: "volume", Value: nil, Reason: "missing parameter"})
		return
	}

	view, err := s.ctrl.SetVolume(r.Context(), *body.Level)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Volume survives restarts.
	s.cfgMu.Lock()
	s.cfg.DefaultVolume = *body.Level
	saveErr := s.cfg.Save()
	s.cfgMu.Unlock()
	if saveErr != nil {
		s.logger.Warn().Err(saveErr).Msg("Could not persist volume")
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Output string `json:"output"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Output == "" {
		s.writeError(w, &session.ValidationError{Field: "output", Value: "", Reason: "missing parameter"})
		return
	}

	view, err := s.ctrl.SetOutputRoute(r.Context(), body.Output)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.cfgMu.Lock()
	s.cfg.OutputRoute = body.Output
	saveErr := s.cfg.Save()
	s.cfgMu.Unlock()
	if saveErr != nil {
		s.logger.Warn().Err(saveErr).Msg("Could not persist output route")
	}

	writeJSON(w, http.StatusOK, view)
}

// handleStatus never fails on a healthy controller; a failed session is
// reported descriptively in the view.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"state":     s.ctrl.Status().State,
		"media_dir": s.store.Dir(),
	}
	if usage, err := s.store.DiskUsage(); err == nil {
		health["disk"] = usage
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.Lock()
	body := map[string]any{
		"media_dir":        s.cfg.MediaDir,
		"default_volume":   s.cfg.DefaultVolume,
		"output_route":     s.cfg.OutputRoute,
		"hardware_accel":   s.cfg.HardwareAccel,
		"max_upload_bytes": s.cfg.MaxUploadBytes,
		"poll_interval":    s.cfg.PollInterval,
		"log_level":        s.cfg.LogLevel,
	}
	s.cfgMu.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, &session.ValidationError{Field: "limit", Value: raw, Reason: "must be an integer between 1 and 1000"})
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleUpload streams a multipart upload through the transfer pipeline.
// Upload I/O runs on this request's goroutine and shares nothing with the
// command path, so playback commands stay responsive throughout.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.Lock()
	limit := s.cfg.MaxUploadBytes
	s.cfgMu.Unlock()
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, &session.ValidationError{Field: "upload", Value: "", Reason: "expected multipart form data"})
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", media.ErrTransferFailed, err))
			return
		}
		if part.FormName() != "file" {
			continue
		}

		transfer, err := s.transfers.Begin(part.FileName(), -1)
		if err != nil {
			s.writeError(w, err)
			return
		}

		if err := transfer.Ingest(part); err != nil {
			transfer.Abort()
			s.writeError(w, err)
			return
		}

		file, err := transfer.Complete()
		if err != nil {
			s.writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, file)
		return
	}

	s.writeError(w, &session.ValidationError{Field: "upload", Value: "", Reason: "no file provided"})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	// Deleting the file that is currently playing stops the session first.
	if s.ctrl.Status().File == name {
		if _, err := s.ctrl.Stop(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
	}

	if err := s.store.Delete(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}
