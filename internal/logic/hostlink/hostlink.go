// Package hostlink is the file-based handshake with the host computer:
// the host drops a trigger file to start a scan and waits for a done file.
package hostlink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cjeanneret/ScanGo/internal/debug"
)

// DefaultDoneMessage is what the host expects to find in the done file.
const DefaultDoneMessage = "Scan Complete"

// DefaultPollInterval is how often the trigger file is checked when no
// filesystem event arrives (network shares often deliver none).
const DefaultPollInterval = time.Second

// Watcher waits for the trigger file and runs one job per appearance.
//
// The trigger is edge-triggered: it is removed before the job starts, and
// a trigger that shows up while the job is running is discarded once it
// finishes.
type Watcher struct {
	TriggerPath  string
	DonePath     string
	DoneMessage  string
	PollInterval time.Duration

	// Fatal, if set, decides whether a job error stops Run.
	// Otherwise job errors are logged and the watcher keeps waiting.
	Fatal func(error) bool
}

// Job is one triggered run, typically a full scan.
type Job func(ctx context.Context) error

// Run blocks until ctx is done or a fatal job error occurs.
func (w *Watcher) Run(ctx context.Context, job Job) error {
	if w.TriggerPath == "" {
		return errors.New("hostlink: no trigger path")
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	trigger := filepath.Clean(w.TriggerPath)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	fw, err := fsnotify.NewWatcher()
	if err == nil {
		if err = fw.Add(filepath.Dir(trigger)); err == nil {
			events, watchErrs = fw.Events, fw.Errors
		}
		defer fw.Close()
	}
	if err != nil {
		debug.Info("Hostlink: no filesystem events (%v), polling every %v", err, interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	debug.Section("Waiting for host")
	debug.Value("Trigger file", trigger)
	debug.Value("Done file", w.DonePath)

	for {
		fired, err := w.consume(trigger)
		if err != nil {
			return err
		}
		if fired {
			if err := w.runJob(ctx, job, trigger); err != nil {
				return err
			}
			drain(events)
			debug.Info("Returning to idle state")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			debug.Trace("Hostlink event: %s", ev)
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			debug.Error(fmt.Errorf("hostlink watch: %w", err))
		}
	}
}

// consume removes the trigger file if present and reports whether it was.
// A failed stat (ESTALE or EIO on a flaky share) counts as no trigger.
func (w *Watcher) consume(trigger string) (bool, error) {
	if _, err := os.Stat(trigger); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			debug.Error(fmt.Errorf("hostlink: stat trigger: %w", err))
		}
		return false, nil
	}
	if err := os.Remove(trigger); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("hostlink: remove trigger: %w", err)
	}
	return true, nil
}

func (w *Watcher) runJob(ctx context.Context, job Job, trigger string) error {
	debug.Info("Command received: %s", trigger)

	jobErr := job(ctx)
	if jobErr != nil {
		debug.Error(fmt.Errorf("triggered run: %w", jobErr))
	}

	if fired, err := w.consume(trigger); err != nil {
		return err
	} else if fired {
		debug.Info("Discarded trigger received during the run")
	}

	if w.DonePath != "" {
		msg := w.DoneMessage
		if msg == "" {
			msg = DefaultDoneMessage
		}
		if err := SignalDone(w.DonePath, msg); err != nil {
			debug.Error(err)
		}
	}

	if jobErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if jobErr != nil && w.Fatal != nil && w.Fatal(jobErr) {
		return jobErr
	}
	return nil
}

// SignalDone writes the completion marker. The content appears at once:
// it is written to a temporary file in the same directory and renamed.
func SignalDone(path, message string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".done-*")
	if err != nil {
		return fmt.Errorf("hostlink: create done file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(message); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("hostlink: write done file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("hostlink: close done file: %w", err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("hostlink: chmod done file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("hostlink: rename done file: %w", err)
	}
	debug.Verbose("Signalled host: %s", path)
	return nil
}

func drain(events <-chan fsnotify.Event) {
	if events == nil {
		return
	}
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
