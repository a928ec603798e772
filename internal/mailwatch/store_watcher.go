// ABOUTME: Watcher implementation that polls the agent_mail table
// ABOUTME: Diffs snapshots into mailbox events and reconnects after store errors

package mailwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/store"
)

// Options tunes StoreWatcher polling and reconnect behavior.
type Options struct {
	PollInterval         time.Duration // default 5s
	MaxReconnectAttempts int           // default 5
	ReconnectBackoff     time.Duration // delay before attempt n is n*backoff; default 1s
	BufferSize           int           // events channel capacity; default 64
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	return o
}

// StoreFactory creates StoreWatchers that share one dedupe cache.
type StoreFactory struct {
	mail   store.MailStore
	seen   *dedupe.Cache
	opts   Options
	logger *slog.Logger
}

// NewStoreFactory creates a factory. The caller owns seen and closes it.
func NewStoreFactory(mail store.MailStore, seen *dedupe.Cache, opts Options, logger *slog.Logger) *StoreFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreFactory{
		mail:   mail,
		seen:   seen,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "mailwatch"),
	}
}

// NewWatcher implements Factory.
func (f *StoreFactory) NewWatcher(agentID string) Watcher {
	return &StoreWatcher{
		id:      uuid.New().String(),
		agentID: agentID,
		mail:    f.mail,
		seen:    f.seen,
		opts:    f.opts,
		logger:  f.logger.With("agent_id", agentID),
		events:  make(chan Event, f.opts.BufferSize),
		stop:    make(chan struct{}),
	}
}

type mailState struct {
	id   string
	read bool
}

// StoreWatcher watches one mailbox by polling the store.
//
// A store error starts a reconnect: the watcher emits error, then
// reconnecting for each attempt, then reconnected or reconnect_failed. A
// reconnect starts a fresh session that reloads the mailbox; only mail the
// watcher has not announced before comes out as new. The announced set
// tracks messages still in the mailbox for the life of the watcher, so it
// does not depend on the dedupe cache TTL.
type StoreWatcher struct {
	id      string
	agentID string
	mail    store.MailStore
	seen    *dedupe.Cache
	opts    Options
	logger  *slog.Logger

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// owned by the poll loop after Start
	snapshot  []mailState
	watermark time.Time
	announced map[string]struct{}
}

// Start implements Watcher.
func (w *StoreWatcher) Start(ctx context.Context) error {
	list, err := w.mail.ListInboxSince(ctx, w.agentID, time.Time{})
	if err != nil {
		close(w.events)
		return fmt.Errorf("loading mailbox %s: %w", w.agentID, err)
	}
	w.snapshot = w.stateOf(list)
	w.announced = make(map[string]struct{}, len(list))
	for _, m := range list {
		w.announced[m.ID] = struct{}{}
		w.seen.Seen(w.key(m.ID))
	}
	w.advance(list)

	w.done = make(chan struct{})
	go w.run(ctx)

	w.logger.Debug("mailbox watch started", "messages", len(list))
	return nil
}

// Events implements Watcher.
func (w *StoreWatcher) Events() <-chan Event {
	return w.events
}

// Stop implements Watcher.
func (w *StoreWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.done != nil {
		<-w.done
	}
}

func (w *StoreWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)
	defer w.forgetAll()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}

		list, err := w.mail.ListInboxSince(ctx, w.agentID, time.Time{})
		if err == nil {
			if !w.diff(ctx, list) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		w.logger.Warn("mailbox poll failed", "error", err)
		if !w.emit(ctx, Event{Kind: KindError, Err: err}) {
			return
		}
		if !w.reconnect(ctx) {
			return
		}
	}
}

// reconnect retries the mailbox load with linear backoff. It reports whether
// watching should continue.
func (w *StoreWatcher) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= w.opts.MaxReconnectAttempts; attempt++ {
		if !w.emit(ctx, Event{Kind: KindReconnecting, Attempt: attempt}) {
			return false
		}
		if !w.sleep(ctx, time.Duration(attempt)*w.opts.ReconnectBackoff) {
			return false
		}

		list, err := w.mail.ListInboxSince(ctx, w.agentID, w.watermark)
		if err != nil {
			w.logger.Warn("mailbox reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		w.logger.Info("mailbox reconnected", "attempt", attempt)
		if !w.emit(ctx, Event{Kind: KindReconnected, Attempt: attempt}) {
			return false
		}
		// The new session only knows what arrived since the watermark;
		// the next full poll rebuilds the snapshot.
		for _, m := range list {
			if !w.announce(ctx, m) {
				return false
			}
		}
		w.advance(list)
		w.snapshot = nil
		return w.resync(ctx)
	}

	w.logger.Error("mailbox reconnect gave up", "attempts", w.opts.MaxReconnectAttempts)
	w.emit(ctx, Event{Kind: KindReconnectFailed, Attempt: w.opts.MaxReconnectAttempts})
	return false
}

// resync reloads the full mailbox after a reconnect without reporting expunges
// for messages the lost session can no longer account for.
func (w *StoreWatcher) resync(ctx context.Context) bool {
	list, err := w.mail.ListInboxSince(ctx, w.agentID, time.Time{})
	if err != nil {
		// next tick goes through the error path again
		return true
	}
	for _, m := range list {
		if !w.announce(ctx, m) {
			return false
		}
	}
	w.retain(list)
	w.snapshot = w.stateOf(list)
	w.advance(list)
	return true
}

// diff compares list with the snapshot and emits the changes. It reports
// whether watching should continue.
func (w *StoreWatcher) diff(ctx context.Context, list []*store.AgentMail) bool {
	current := make(map[string]*store.AgentMail, len(list))
	for _, m := range list {
		current[m.ID] = m
	}

	// Expunge from the highest position down so earlier sequence numbers stay valid.
	for i := len(w.snapshot) - 1; i >= 0; i-- {
		if _, ok := current[w.snapshot[i].id]; !ok {
			if !w.emit(ctx, Event{Kind: KindExpunge, UID: w.snapshot[i].id, Seq: i + 1}) {
				return false
			}
		}
	}

	previous := make(map[string]bool, len(w.snapshot))
	for _, s := range w.snapshot {
		previous[s.id] = s.read
	}
	for _, m := range list {
		wasRead, known := previous[m.ID]
		switch {
		case !known:
			if !w.announce(ctx, m) {
				return false
			}
		case wasRead != (m.ReadAt != nil):
			if !w.emit(ctx, Event{Kind: KindFlags, UID: m.ID, Flags: flagsOf(m)}) {
				return false
			}
		}
	}

	w.retain(list)
	w.snapshot = w.stateOf(list)
	w.advance(list)
	return true
}

// announce emits a new event unless this watcher already reported the message.
func (w *StoreWatcher) announce(ctx context.Context, m *store.AgentMail) bool {
	if _, ok := w.announced[m.ID]; ok {
		return true
	}
	w.announced[m.ID] = struct{}{}
	if w.seen.Seen(w.key(m.ID)) {
		return true
	}
	return w.emit(ctx, Event{Kind: KindNew, UID: m.ID, Message: m, Flags: flagsOf(m)})
}

// retain drops announced IDs that are no longer in the mailbox.
func (w *StoreWatcher) retain(list []*store.AgentMail) {
	current := make(map[string]struct{}, len(list))
	for _, m := range list {
		current[m.ID] = struct{}{}
	}
	for id := range w.announced {
		if _, ok := current[id]; !ok {
			delete(w.announced, id)
			w.seen.Forget(w.key(id))
		}
	}
}

// forgetAll releases this watcher's keys from the shared cache.
func (w *StoreWatcher) forgetAll() {
	for id := range w.announced {
		w.seen.Forget(w.key(id))
	}
}

func (w *StoreWatcher) emit(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *StoreWatcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *StoreWatcher) key(mailID string) string {
	return w.id + "/" + mailID
}

func (w *StoreWatcher) advance(list []*store.AgentMail) {
	for _, m := range list {
		if m.CreatedAt.After(w.watermark) {
			w.watermark = m.CreatedAt
		}
	}
}

func (w *StoreWatcher) stateOf(list []*store.AgentMail) []mailState {
	sorted := append([]*store.AgentMail(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	states := make([]mailState, len(sorted))
	for i, m := range sorted {
		states[i] = mailState{id: m.ID, read: m.ReadAt != nil}
	}
	return states
}

func flagsOf(m *store.AgentMail) []string {
	if m.ReadAt != nil {
		return []string{FlagSeen}
	}
	return []string{}
}

var (
	_ Watcher = (*StoreWatcher)(nil)
	_ Factory = (*StoreFactory)(nil)
)
