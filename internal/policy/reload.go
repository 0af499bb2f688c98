package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink receives a freshly loaded policy set.
type Sink interface {
	ReplacePolicies(ctx context.Context, policies []Policy) error
}

// Reloader loads a policy file into a Sink, initially and on every change.
type Reloader struct {
	path    string
	sink    Sink
	watcher *FileWatcher
}

func NewReloader(path string, sink Sink) *Reloader {
	return &Reloader{path: path, sink: sink}
}

// Reload loads the file once. A file that fails validation leaves the
// previously loaded set in place.
func (r *Reloader) Reload(ctx context.Context) error {
	policies, err := LoadFile(r.path)
	if err != nil {
		return err
	}

	if err := r.sink.ReplacePolicies(ctx, policies); err != nil {
		return fmt.Errorf("replace policies: %w", err)
	}

	return nil
}

// Watch starts hot reloading. Call Close to stop.
func (r *Reloader) Watch() error {
	watcher, err := NewFileWatcher(r.path, r.handleChange)
	if err != nil {
		return err
	}
	r.watcher = watcher
	return nil
}

func (r *Reloader) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

func (r *Reloader) handleChange(path string) {
	log.Info().Str("path", path).Msg("policy change detected")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("failed to reload policies, keeping previous set")
	}
}
