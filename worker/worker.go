// Package worker consumes the PDF work directory: each item is interpreted,
// persisted and deleted, or quarantined with a diagnostic.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jupark12/pcr-intake/interpret"
	"github.com/jupark12/pcr-intake/models"
	"github.com/jupark12/pcr-intake/queue"
	"github.com/jupark12/pcr-intake/store"
	"github.com/rs/zerolog"
)

const mirrorTimeout = 30 * time.Second

// QuarantineMirror copies a quarantined item somewhere operators can reach it
type QuarantineMirror interface {
	Upload(ctx context.Context, quarantineDir string, item models.QuarantineItem) error
}

// Config controls pacing and per-item deadlines
type Config struct {
	Interval         time.Duration
	InterpretTimeout time.Duration
	PersistTimeout   time.Duration
	UnitOverride     string
}

// PassStats summarizes one scan of the work directory
type PassStats struct {
	Seen        int
	Deleted     int
	Quarantined int
	Stuck       int
}

// Processor drains the work directory one item at a time
type Processor struct {
	queue       *queue.DirQueue
	ledger      *queue.Ledger
	interpreter interpret.Interpreter
	gateway     store.Gateway
	mirror      QuarantineMirror
	cfg         Config
	log         zerolog.Logger
}

// NewProcessor creates a processor. mirror may be nil.
func NewProcessor(q *queue.DirQueue, ledger *queue.Ledger, interpreter interpret.Interpreter, gateway store.Gateway, mirror QuarantineMirror, cfg Config, log zerolog.Logger) *Processor {
	return &Processor{
		queue:       q,
		ledger:      ledger,
		interpreter: interpreter,
		gateway:     gateway,
		mirror:      mirror,
		cfg:         cfg,
		log:         log.With().Str("component", "processor").Logger(),
	}
}

// Run processes the work directory until ctx is cancelled. Between passes it
// sleeps for the configured interval, waking early when a PDF lands in the
// directory. An item already in flight is finished before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.log.Warn().Err(err).Msg("fsnotify unavailable, polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(p.queue.Dir()); err != nil {
			p.log.Warn().Err(err).Str("dir", p.queue.Dir()).Msg("cannot watch work directory, polling only")
		} else {
			go p.watch(ctx, watcher, wake)
		}
	}

	p.log.Info().
		Str("work_dir", p.queue.Dir()).
		Str("quarantine_dir", p.queue.QuarantineDir()).
		Dur("interval", p.cfg.Interval).
		Msg("processor started")

	for {
		p.safePass(ctx)

		if ctx.Err() != nil {
			p.log.Info().Msg("processor stopped")
			return nil
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.Info().Msg("processor stopped")
			return nil
		case <-timer.C:
		case <-wake:
			timer.Stop()
			p.log.Debug().Msg("woken by new work item")
		}
	}
}

func (p *Processor) watch(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) || !isPDF(event.Name) {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func isPDF(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".pdf")
}

// safePass keeps a panic outside any single item from ending the loop
func (p *Processor) safePass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("processing pass panicked")
		}
	}()

	stats, err := p.ProcessPass(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("scan failed")
		return
	}
	if stats.Seen > 0 {
		p.log.Info().
			Int("seen", stats.Seen).
			Int("deleted", stats.Deleted).
			Int("quarantined", stats.Quarantined).
			Int("stuck", stats.Stuck).
			Msg("processing pass complete")
	}
}

// ProcessPass handles every item currently in the work directory, oldest
// first. Cancellation is checked between items only.
func (p *Processor) ProcessPass(ctx context.Context) (PassStats, error) {
	var stats PassStats

	items, err := p.queue.Scan()
	if err != nil {
		return stats, err
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		stats.Seen++

		switch final := p.processItem(ctx, item); final.Status {
		case models.StatusDeleted:
			stats.Deleted++
		case models.StatusQuarantined:
			stats.Quarantined++
		default:
			stats.Stuck++
		}
	}
	return stats, nil
}

// processItem drives one item to a terminal state. It runs detached from
// ctx cancellation so shutdown never interrupts an item halfway.
func (p *Processor) processItem(ctx context.Context, found models.WorkItem) (final models.WorkItem) {
	itemCtx := context.WithoutCancel(ctx)
	if prev, ok := p.ledger.Resumable(found); ok {
		return p.resume(itemCtx, prev)
	}
	item := p.ledger.Track(found)
	log := p.log.With().Str("item", item.ID).Str("file", item.Name).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("item handling panicked")
			final = p.fail(itemCtx, item.ID, item.Path, fmt.Sprintf("unexpected error: %v", r))
		}
	}()

	log.Info().Int64("size", item.Size).Msg("processing work item")

	p.move(item.ID, models.StatusInterpreting, nil)
	result, err := p.interpret(itemCtx, item.Path)
	if err != nil {
		return p.fail(itemCtx, item.ID, item.Path, err.Error())
	}
	p.move(item.ID, models.StatusInterpreted, nil)

	payload := interpret.StripMeta(result.Payload)

	p.move(item.ID, models.StatusPersisting, nil)
	saved := p.persist(itemCtx, payload)
	if !saved.Success {
		return p.fail(itemCtx, item.ID, item.Path, saved.Error)
	}
	p.move(item.ID, models.StatusPersisted, func(w *models.WorkItem) {
		w.IncidentNumber = saved.IncidentNumber
		w.UnitID = saved.UnitID
	})

	if err := p.queue.Complete(item.Path); err != nil {
		// the record is stored; the next pass retries only the delete
		log.Error().Err(err).Msg("persisted item could not be deleted")
		current, _ := p.ledger.Get(item.ID)
		return current
	}

	log.Info().
		Int64("incident_number", saved.IncidentNumber).
		Str("unit_id", saved.UnitID).
		Msg("work item persisted and removed")
	return p.move(item.ID, models.StatusDeleted, nil)
}

// resume retries only the step that failed last pass. The record is already
// stored or the failure already known, so the file is not interpreted again.
func (p *Processor) resume(ctx context.Context, prev models.WorkItem) models.WorkItem {
	log := p.log.With().Str("item", prev.ID).Str("file", prev.Name).Logger()

	if prev.Status != models.StatusPersisted {
		log.Info().Str("status", string(prev.Status)).Msg("retrying quarantine")
		return p.fail(ctx, prev.ID, prev.Path, prev.ErrorMessage)
	}

	log.Info().Msg("retrying delete of persisted item")
	if err := p.queue.Complete(prev.Path); err != nil {
		log.Error().Err(err).Msg("persisted item could not be deleted")
		return prev
	}
	return p.move(prev.ID, models.StatusDeleted, nil)
}

func (p *Processor) interpret(ctx context.Context, path string) (*interpret.Result, error) {
	ctx, cancel := withTimeout(ctx, p.cfg.InterpretTimeout)
	defer cancel()
	return p.interpreter.Interpret(ctx, path)
}

func (p *Processor) persist(ctx context.Context, payload map[string]any) store.UpsertResult {
	ctx, cancel := withTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()
	return store.Save(ctx, p.gateway, payload, p.cfg.UnitOverride)
}

// fail records the failure branch for the item's current stage and moves the
// file into quarantine
func (p *Processor) fail(ctx context.Context, id, path, reason string) models.WorkItem {
	current, err := p.ledger.Get(id)
	if err != nil {
		p.log.Error().Err(err).Msg("failed item missing from ledger")
		return current
	}

	setError := func(w *models.WorkItem) { w.ErrorMessage = reason }
	switch current.Status {
	case models.StatusInterpreting:
		current = p.move(id, models.StatusInterpretFailed, setError)
	case models.StatusPersisting:
		current = p.move(id, models.StatusPersistFailed, setError)
	case models.StatusPersisted, models.StatusDeleted, models.StatusQuarantined:
		// already stored or already terminal: quarantining would break the
		// one-outcome rule
		p.log.Error().Str("item", id).Str("status", string(current.Status)).Str("error", reason).
			Msg("failure after item was already settled")
		return current
	}

	q, err := p.queue.Quarantine(path, reason)
	if q == nil {
		p.log.Error().Err(err).Str("item", id).Str("file", filepath.Base(path)).
			Msg("quarantine failed, item left in work directory")
		return current
	}
	if err != nil {
		p.log.Error().Err(err).Str("item", id).Msg("quarantine sidecar incomplete")
	}

	final := p.move(id, models.StatusQuarantined, func(w *models.WorkItem) {
		w.ErrorMessage = reason
		w.QuarantinePath = filepath.Join(p.queue.QuarantineDir(), q.QuarantinedName)
	})

	if p.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		defer cancel()
		if err := p.mirror.Upload(mctx, p.queue.QuarantineDir(), *q); err != nil {
			p.log.Warn().Err(err).Str("item", id).Msg("quarantine mirror upload failed")
		}
	}
	return final
}

// move applies a ledger transition. An illegal transition is a bug, logged
// rather than raised so the item still reaches a terminal state.
func (p *Processor) move(id string, next models.ItemStatus, mutate func(*models.WorkItem)) models.WorkItem {
	item, err := p.ledger.Transition(id, next, mutate)
	if err != nil {
		p.log.Error().Err(err).Msg("ledger transition rejected")
	}
	return item
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
