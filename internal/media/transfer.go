package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrTransferConflict is returned when an upload is already in progress
	// for the same destination name.
	ErrTransferConflict = errors.New("media: transfer already in progress for this name")

	// ErrTransferFailed wraps any ingestion failure; the partial temp file
	// is always cleaned up.
	ErrTransferFailed = errors.New("media: transfer failed")

	// ErrTooLarge is returned when a transfer exceeds the configured size
	// ceiling.
	ErrTooLarge = errors.New("media: upload exceeds size limit")
)

// ChunkSize is the fixed read/write granularity for ingesting uploads.
const ChunkSize = 8 * 1024

// Transfers accepts incoming files into the media directory. It runs on the
// caller's goroutine and shares only the filesystem namespace with the rest
// of the system, so an upload never blocks playback commands. Concurrent
// transfers to the same destination name are rejected as a conflict.
type Transfers struct {
	store    *Store
	maxBytes int64
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewTransfers creates the transfer pipeline. maxBytes <= 0 disables the
// size ceiling.
func NewTransfers(store *Store, maxBytes int64, logger zerolog.Logger) *Transfers {
	return &Transfers{
		store:    store,
		maxBytes: maxBytes,
		logger:   logger.With().Str("component", "transfer").Logger(),
		active:   make(map[string]struct{}),
	}
}

// Transfer is one in-progress chunked upload. Write the payload through it,
// then either Complete or Abort; both release the destination name.
type Transfer struct {
	owner    *Transfers
	name     string
	dest     string
	tmpPath  string
	file     *os.File
	declared int64
	received int64
	done     bool
}

// Begin validates the destination name and opens a temp file next to it.
// declaredSize is the expected total size, or -1 when unknown.
func (t *Transfers) Begin(name string, declaredSize int64) (*Transfer, error) {
	dest, err := t.store.Resolve(name)
	if err != nil {
		return nil, err
	}
	if t.maxBytes > 0 && declaredSize > t.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes declared, limit %d", ErrTooLarge, declaredSize, t.maxBytes)
	}

	t.mu.Lock()
	if _, busy := t.active[name]; busy {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTransferConflict, name)
	}
	t.active[name] = struct{}{}
	t.mu.Unlock()

	tmpPath := dest + ".upload-" + uuid.NewString() + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		t.release(name)
		return nil, fmt.Errorf("%w: create temp file: %v", ErrTransferFailed, err)
	}

	t.logger.Debug().Str("file", name).Int64("declared", declaredSize).Msg("Transfer started")
	return &Transfer{
		owner:    t,
		name:     name,
		dest:     dest,
		tmpPath:  tmpPath,
		file:     file,
		declared: declaredSize,
	}, nil
}

// Ingest copies the whole stream into the transfer in fixed-size chunks.
func (j *Transfer) Ingest(r io.Reader) error {
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(onlyWriter{j}, r, buf); err != nil {
		return err
	}
	return nil
}

// onlyWriter hides Transfer's other methods so io.CopyBuffer cannot bypass
// the chunked path via a ReadFrom fast path.
type onlyWriter struct{ io.Writer }

// Write appends one chunk to the temp file, enforcing the size ceiling.
func (j *Transfer) Write(p []byte) (int, error) {
	if j.done {
		return 0, fmt.Errorf("%w: transfer already finished", ErrTransferFailed)
	}
	if limit := j.owner.maxBytes; limit > 0 && j.received+int64(len(p)) > limit {
		return 0, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, limit)
	}
	n, err := j.file.Write(p)
	j.received += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: write: %v", ErrTransferFailed, err)
	}
	return n, nil
}

// Received returns the number of bytes written so far.
func (j *Transfer) Received() int64 {
	return j.received
}

// Complete validates the received size against the declared one, promotes
// the temp file to a visible MediaFile and releases the destination name.
func (j *Transfer) Complete() (File, error) {
	if j.done {
		return File{}, fmt.Errorf("%w: transfer already finished", ErrTransferFailed)
	}
	j.done = true
	defer j.owner.release(j.name)

	if err := j.file.Close(); err != nil {
		os.Remove(j.tmpPath)
		return File{}, fmt.Errorf("%w: close temp file: %v", ErrTransferFailed, err)
	}
	if j.declared >= 0 && j.received != j.declared {
		os.Remove(j.tmpPath)
		return File{}, fmt.Errorf("%w: received %d of %d declared bytes", ErrTransferFailed, j.received, j.declared)
	}

	// The file only becomes visible to listings once it is whole.
	if err := os.Rename(j.tmpPath, j.dest); err != nil {
		os.Remove(j.tmpPath)
		return File{}, fmt.Errorf("%w: promote temp file: %v", ErrTransferFailed, err)
	}

	j.owner.logger.Info().Str("file", j.name).Int64("size", j.received).Msg("Upload complete")
	return j.owner.store.Stat(j.name)
}

// Abort discards the transfer, removing the temp file. Idempotent.
func (j *Transfer) Abort() {
	if j.done {
		return
	}
	j.done = true
	j.file.Close()
	if err := os.Remove(j.tmpPath); err != nil && !os.IsNotExist(err) {
		j.owner.logger.Warn().Err(err).Str("file", j.name).Msg("Could not remove temp file")
	}
	j.owner.release(j.name)
	j.owner.logger.Info().Str("file", j.name).Int64("received", j.received).Msg("Transfer aborted")
}

func (t *Transfers) release(name string) {
	t.mu.Lock()
	delete(t.active, name)
	t.mu.Unlock()
}
