// Package mailpoller downloads fax PDFs from a monitored mailbox into the
// work directory, remembering which messages it has handled.
package mailpoller

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/jupark12/pcr-intake/dedup"
	"github.com/jupark12/pcr-intake/schedule"
	"github.com/rs/zerolog"
)

// Config selects the messages to download and where to put them
type Config struct {
	Account    string
	Sender     string
	Subject    string
	MaxPerPoll int
	SaveDir    string
	StateFile  string
	Schedule   schedule.Config
}

// CycleStats summarizes one poll
type CycleStats struct {
	Checked     int
	Processed   int
	Attachments int
	Skipped     int
	Failed      int
	Stopped     bool
}

type outcome int

const (
	outcomeNoID outcome = iota
	outcomeAlreadySeen
	outcomeSubjectMismatch
	outcomeExtracted
)

// Poller runs poll cycles on the day/night schedule
type Poller struct {
	mailbox Mailbox
	store   dedup.Store
	cfg     Config
	clock   schedule.Clock
	log     zerolog.Logger
}

// New creates a poller. The store must already be loaded.
func New(mailbox Mailbox, store dedup.Store, cfg Config, clock schedule.Clock, log zerolog.Logger) *Poller {
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	return &Poller{
		mailbox: mailbox,
		store:   store,
		cfg:     cfg,
		clock:   clock,
		log:     log.With().Str("component", "mail_poller").Logger(),
	}
}

// Run polls until ctx is cancelled. A failed cycle is logged and retried at
// the next scheduled interval.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info().
		Str("email", p.cfg.Account).
		Str("save_dir", p.cfg.SaveDir).
		Dur("day_interval", p.cfg.Schedule.DayInterval).
		Dur("night_interval", p.cfg.Schedule.NightInterval).
		Str("night_hours", fmt.Sprintf("%d:00 - %d:00", p.cfg.Schedule.NightStartHour, p.cfg.Schedule.NightEndHour)).
		Str("state_file", p.cfg.StateFile).
		Int("processed_ids", p.store.Len()).
		Msg("mail poller started")

	for {
		stats, err := p.safeCycle(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("poll cycle failed, will retry on next poll")
		} else if stats.Checked > 0 {
			p.log.Info().
				Int("checked", stats.Checked).
				Int("processed", stats.Processed).
				Int("attachments", stats.Attachments).
				Int("skipped", stats.Skipped).
				Int("failed", stats.Failed).
				Bool("stopped_at_seen", stats.Stopped).
				Msg("poll cycle complete")
		}

		if ctx.Err() != nil {
			break
		}

		interval := p.cfg.Schedule.Next(p.clock)
		p.log.Info().
			Dur("interval", interval).
			Bool("night", p.cfg.Schedule.IsNight(p.clock.Now().Hour())).
			Msg("sleeping until next poll")
		if !schedule.Sleep(ctx, interval) {
			break
		}
	}

	p.log.Info().Msg("mail poller stopped")
	return nil
}

func (p *Poller) safeCycle(ctx context.Context) (stats CycleStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("poll cycle panicked")
			err = fmt.Errorf("poll cycle panicked: %v", r)
		}
	}()
	return p.PollOnce(ctx)
}

// PollOnce connects, walks matching messages newest first, and disconnects.
// It stops at the first message already marked processed since everything
// older was handled in an earlier cycle. A connection or search failure
// aborts the cycle without marking anything.
func (p *Poller) PollOnce(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	if err := p.mailbox.Connect(ctx); err != nil {
		return stats, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := p.mailbox.Close(); err != nil {
			p.log.Warn().Err(err).Msg("disconnect failed")
		}
	}()

	uids, err := p.mailbox.Search(ctx, p.cfg.Sender, p.cfg.MaxPerPoll)
	if err != nil {
		return stats, fmt.Errorf("search: %w", err)
	}
	if len(uids) == 0 {
		p.log.Debug().Msg("no messages match sender")
		return stats, nil
	}
	p.log.Info().Int("count", len(uids)).Msg("found recent messages to check")

	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		stats.Checked++

		result, saved, err := p.processMessage(ctx, uid)
		if err != nil {
			stats.Failed++
			p.log.Error().Err(err).Uint32("uid", uid).Msg("message failed, left unmarked")
			continue
		}

		switch result {
		case outcomeAlreadySeen:
			stats.Stopped = true
		case outcomeNoID, outcomeSubjectMismatch:
			stats.Skipped++
		case outcomeExtracted:
			stats.Processed++
			stats.Attachments += saved
		}
		if stats.Stopped {
			p.log.Info().Uint32("uid", uid).Msg("reached already-processed message, stopping")
			break
		}
	}

	return stats, nil
}

// processMessage handles one message. A returned error means the message was
// not marked and will be looked at again next cycle.
func (p *Poller) processMessage(ctx context.Context, uid uint32) (result outcome, saved int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling message %d: %v", uid, r)
		}
	}()

	raw, err := p.mailbox.Fetch(ctx, uid)
	if err != nil {
		return 0, 0, err
	}

	env, entity, err := ParseMessage(raw)
	if err != nil {
		return 0, 0, err
	}
	log := p.log.With().Uint32("uid", uid).Str("message_id", env.MessageID).Logger()

	if env.MessageID == "" {
		log.Warn().Msg("message has no Message-ID, skipping")
		return outcomeNoID, 0, nil
	}
	if p.store.Contains(env.MessageID) {
		return outcomeAlreadySeen, 0, nil
	}

	if !subjectMatches(env.Subject, p.cfg.Subject) {
		log.Debug().Str("subject", env.Subject).Msg("subject does not match")
		if err := p.mark(ctx, env.MessageID); err != nil {
			return 0, 0, err
		}
		return outcomeSubjectMismatch, 0, nil
	}

	log.Info().Str("from", env.From).Str("subject", env.Subject).Msg("processing message")

	now := p.clock.Now()
	attachments, skipped, err := FindAttachments(entity, uid, now)
	if err != nil {
		return 0, 0, err
	}
	for _, name := range skipped {
		log.Info().Str("file", name).Msg("skipping non-PDF or empty part")
	}

	for _, att := range attachments {
		path, err := SaveAttachment(p.cfg.SaveDir, att.Filename, att.Data, now)
		if err != nil {
			return 0, saved, fmt.Errorf("save %s: %w", att.Filename, err)
		}
		saved++
		log.Info().Str("path", path).Int("bytes", len(att.Data)).Msg("saved attachment")
	}

	if err := p.mark(ctx, env.MessageID); err != nil {
		return 0, saved, err
	}
	if saved == 0 {
		log.Info().Msg("no attachments found")
	}
	return outcomeExtracted, saved, nil
}

func (p *Poller) mark(ctx context.Context, id string) error {
	if err := p.store.Mark(ctx, id); err != nil {
		return fmt.Errorf("mark %s processed: %w", id, err)
	}
	return nil
}

func subjectMatches(subject, pattern string) bool {
	return strings.Contains(strings.ToLower(subject), strings.ToLower(pattern))
}
