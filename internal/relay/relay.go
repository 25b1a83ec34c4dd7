// Package relay is the conversation session orchestrator: it pumps inbound
// chat messages through per-chat FIFO queues, drives each turn against the
// reasoning service under a distributed per-chat lock, and hands the results
// to storage and back to the chat platform.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ap-development/medrelay/internal/config"
	"github.com/ap-development/medrelay/internal/lock"
	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/models"
	"github.com/ap-development/medrelay/internal/store"
	"github.com/ap-development/medrelay/internal/transport"
)

// maxBusyDefers bounds how often one turn is requeued because another
// process instance holds the chat's lock. With doubling backoff this spans
// comfortably more than a full run deadline before giving up.
const maxBusyDefers = 10

const busyDeferBackoffMax = 10 * time.Second

// Deduper drops transport redeliveries. *lock.Deduper satisfies it.
type Deduper interface {
	Once(ctx context.Context, id string) (bool, error)
}

// Sweeper prunes aged thread mappings. *threads.Registry satisfies it.
type Sweeper interface {
	SweepOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// Daemon is one running relay: a single platform adapter, the orchestrator,
// and the queue/worker machinery between them.
type Daemon struct {
	adapter  transport.Adapter
	orch     *Orchestrator
	registry ThreadRegistry
	sink     Sink
	deduper  Deduper // optional
	cfg      config.RelayConfig
	maint    config.MaintenanceConfig
	log      *logging.Logger

	queues *queueSet
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// Opts holds parameters for creating a Daemon.
type Opts struct {
	Adapter      transport.Adapter
	Orchestrator *Orchestrator
	Registry     ThreadRegistry
	Sink         Sink
	Deduper      Deduper // optional; nil disables redelivery dedupe
	Config       config.RelayConfig
	Maintenance  config.MaintenanceConfig
	Logger       *logging.Logger
}

// New creates a Daemon.
func New(opts Opts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, errors.New("relay: adapter is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("relay: orchestrator is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("relay: thread registry is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("relay: sink is required")
	}
	workers := opts.Config.MaxWorkers
	if workers <= 0 {
		workers = 16
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Daemon{
		adapter:  opts.Adapter,
		orch:     opts.Orchestrator,
		registry: opts.Registry,
		sink:     opts.Sink,
		deduper:  opts.Deduper,
		cfg:      opts.Config,
		maint:    opts.Maintenance,
		log:      log,
		queues:   newQueueSet(),
		sem:      semaphore.NewWeighted(int64(workers)),
	}, nil
}

// Run connects the adapter and pumps inbound messages until ctx is
// cancelled, then closes the adapter and waits for in-flight turns.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}
	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}
	d.log.Info("relay online")

	var sweepTimer *time.Timer
	if d.maint.SweepSchedule != "" && d.maint.ThreadMaxAge() > 0 {
		if next := nextCronDuration(d.maint.SweepSchedule); next > 0 {
			sweepTimer = time.NewTimer(next)
			defer sweepTimer.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			d.log.Info("relay shutting down")
			if err := d.adapter.Close(); err != nil {
				d.log.Warn("close adapter", "error", err)
			}
			d.wg.Wait()
			d.log.Info("relay stopped")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				d.log.Info("inbound channel closed")
				d.wg.Wait()
				return nil
			}
			d.handleInbound(ctx, msg)

		case <-timerChan(sweepTimer):
			d.runSweep(ctx)
			if next := nextCronDuration(d.maint.SweepSchedule); next > 0 {
				sweepTimer.Reset(next)
			}
		}
	}
}

// handleInbound dedupes, records, and routes one inbound message. It runs on
// the pump goroutine, so everything long-running moves to a worker; the
// per-chat storage order falls out of this being single-threaded per adapter.
func (d *Daemon) handleInbound(ctx context.Context, msg transport.Inbound) {
	if d.deduper != nil && msg.MessageID != 0 {
		key := fmt.Sprintf("%s:%d:%d", msg.Platform, msg.ChatID, msg.MessageID)
		first, err := d.deduper.Once(ctx, key)
		if err != nil {
			// Fail open: a dedupe-store blip must not eat user messages;
			// the idempotent store absorbs any resulting duplicate row.
			d.log.Warn("dedupe check", "error", err)
		} else if !first {
			d.log.Debug("dropped redelivery", "chat_id", msg.ChatID, "message_id", msg.MessageID)
			return
		}
	}

	d.recordInbound(ctx, msg)

	if command(msg.Text) != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if !d.handleCommand(ctx, msg) {
				// Unknown command: let the assistant make sense of it.
				d.enqueue(ctx, msg)
			}
		}()
		return
	}
	d.enqueue(ctx, msg)
}

// recordInbound upserts the sender profile and stores the inbound row.
func (d *Daemon) recordInbound(ctx context.Context, msg transport.Inbound) {
	if err := d.sink.UpsertUser(ctx, store.UserProfile{
		ChatID:       msg.ChatID,
		Username:     msg.Username,
		FirstName:    msg.FirstName,
		LastName:     msg.LastName,
		LanguageCode: msg.LanguageCode,
	}); err != nil {
		d.log.Error("user upsert", "chat_id", msg.ChatID, "error", err)
	}
	var externalID *int64
	if msg.MessageID != 0 {
		id := msg.MessageID
		externalID = &id
	}
	if err := d.sink.RecordTurn(ctx, store.Turn{
		ChatID:         msg.ChatID,
		Direction:      models.DirectionIn,
		ExternalID:     externalID,
		Text:           msg.Text,
		ContentType:    msg.ContentType,
		AttachmentName: msg.AttachmentName,
		CreatedAt:      msg.Timestamp,
	}); err != nil {
		d.log.Error("inbound persist", "chat_id", msg.ChatID, "error", err)
	}
}

// enqueue adds the message to its chat's queue and starts a drain worker if
// none is running for that chat.
func (d *Daemon) enqueue(ctx context.Context, msg transport.Inbound) {
	if !d.queues.push(msg) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return // shutting down; redelivery will bring the message back
		}
		defer d.sem.Release(1)
		d.drainChat(ctx, msg.ChatID)
	}()
}

// drainChat processes the chat's queue to empty, one turn at a time. With a
// batch window configured, messages landing within the window coalesce into
// a single turn input.
func (d *Daemon) drainChat(ctx context.Context, chatID int64) {
	for {
		var batch []transport.Inbound
		if window := d.cfg.BatchWindow(); window > 0 {
			if !sleepCtx(ctx, window) {
				return
			}
			batch = d.queues.take(chatID)
		} else if msg, ok := d.queues.takeOne(chatID); ok {
			batch = []transport.Inbound{msg}
		}

		if len(batch) == 0 {
			if d.queues.finish(chatID) {
				return
			}
			continue // a message landed between take and finish
		}
		if ctx.Err() != nil {
			return
		}
		d.processBatch(ctx, chatID, batch)
	}
}

// processBatch runs one turn for the batch, deferring on lock contention
// according to the busy policy.
func (d *Daemon) processBatch(ctx context.Context, chatID int64, batch []transport.Inbound) {
	input := combineInputs(batch)
	if input == "" {
		return
	}

	for defers := 0; ; defers++ {
		stopTyping := d.startTyping(ctx, chatID)
		err := d.orch.ProcessTurn(ctx, chatID, input)
		stopTyping()

		switch {
		case err == nil:
			return
		case errors.Is(err, lock.ErrBusy):
			if d.cfg.BusyPolicy == "drop" {
				d.log.Info("chat busy, dropping", "chat_id", chatID)
				d.reply(ctx, chatID, busyText)
				return
			}
			if defers >= maxBusyDefers {
				d.log.Error("chat busy, defers exhausted", "chat_id", chatID)
				d.reply(ctx, chatID, apologyText)
				return
			}
			d.log.Debug("chat busy, deferring", "chat_id", chatID, "defer", defers)
			if !sleepCtx(ctx, jittered(250*time.Millisecond, defers, busyDeferBackoffMax)) {
				return
			}
		default:
			d.log.Error("turn failed", "chat_id", chatID, "error", err)
			d.reply(ctx, chatID, apologyText)
			return
		}
	}
}

// reply sends service text (greetings, notices, apologies) and records it as
// an outbound row.
func (d *Daemon) reply(ctx context.Context, chatID int64, text string) {
	var externalID *int64
	msgID, err := d.adapter.Send(ctx, transport.Outbound{ChatID: chatID, Text: text})
	if err != nil {
		d.log.Error("send reply", "chat_id", chatID, "error", err)
	} else if msgID != 0 {
		externalID = &msgID
	}
	if err := d.sink.RecordTurn(ctx, store.Turn{
		ChatID:     chatID,
		Direction:  models.DirectionOut,
		ExternalID: externalID,
		Text:       text,
	}); err != nil {
		d.log.Error("outbound persist", "chat_id", chatID, "error", err)
	}
}

// startTyping refreshes the platform's typing indicator until the returned
// stop function is called. A no-op when the adapter has no typing surface.
func (d *Daemon) startTyping(ctx context.Context, chatID int64) (stop func()) {
	notifier, ok := d.adapter.(transport.TypingNotifier)
	if !ok {
		return func() {}
	}
	interval := d.cfg.TypingInterval()
	if interval <= 0 {
		interval = 4 * time.Second
	}
	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := notifier.NotifyTyping(tctx, chatID); err != nil && tctx.Err() == nil {
				d.log.Debug("typing notify", "chat_id", chatID, "error", err)
			}
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// runSweep prunes thread mappings older than the configured maximum age.
func (d *Daemon) runSweep(ctx context.Context) {
	sweeper, ok := d.registry.(Sweeper)
	if !ok {
		return
	}
	n, err := sweeper.SweepOlderThan(ctx, d.maint.ThreadMaxAge())
	if err != nil {
		d.log.Error("thread sweep", "error", err)
		return
	}
	if n > 0 {
		d.log.Info("thread sweep pruned mappings", "count", n)
	}
}

// timerChan returns the timer's channel, or nil if the timer is nil. A nil
// channel blocks forever in select, which is what a disabled sweep wants.
func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
