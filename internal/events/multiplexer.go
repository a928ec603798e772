// ABOUTME: Per-connection event multiplexer merging task, mailbox and heartbeat events
// ABOUTME: Scores new mail and annotates rule matches before writing to the sink

package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-courier/internal/mailwatch"
	"github.com/2389/coven-courier/internal/scoring"
	"github.com/2389/coven-courier/internal/store"
)

// DefaultHeartbeatInterval is how often an idle stream gets a heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

// Stream event types written by the multiplexer.
const (
	TypeConnected = "connected"
	TypeHeartbeat = "heartbeat"
	mailPrefix    = "mail."
)

// Sink receives serialized events for one connection.
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

// Send implements Sink.
func (f SinkFunc) Send(ev Event) error { return f(ev) }

// ConnectedData is the payload of the first event on every stream.
type ConnectedData struct {
	AgentID          string `json:"agent_id"`
	ConnectionID     string `json:"connection_id"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
	MailboxWatching  bool   `json:"mailbox_watching"`
}

// HeartbeatData is the payload of heartbeat events.
type HeartbeatData struct {
	Time time.Time `json:"time"`
}

// MailMessage is the wire view of a new mail message.
type MailMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Subject     string    `json:"subject"`
	Content     string    `json:"content"`
	ContentHTML string    `json:"content_html,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MailData is the payload of mail.* events.
type MailData struct {
	Kind    string             `json:"kind"`
	UID     string             `json:"uid,omitempty"`
	Seq     int                `json:"seq,omitempty"`
	Flags   []string           `json:"flags,omitempty"`
	Message *MailMessage       `json:"message,omitempty"`
	Spam    *scoring.Verdict   `json:"spam,omitempty"`
	Rule    *scoring.RuleMatch `json:"rule,omitempty"`
	Error   string             `json:"error,omitempty"`
	Attempt int                `json:"attempt,omitempty"`
}

// MultiplexerConfig wires a Multiplexer. Watchers, Scorer and Rules are optional.
type MultiplexerConfig struct {
	Registry          *Registry
	Watchers          mailwatch.Factory
	Scorer            scoring.Scorer
	Rules             scoring.RuleEvaluator
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Multiplexer serves agent event streams.
type Multiplexer struct {
	registry  *Registry
	watchers  mailwatch.Factory
	scorer    scoring.Scorer
	rules     scoring.RuleEvaluator
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewMultiplexer creates a multiplexer.
func NewMultiplexer(cfg MultiplexerConfig) *Multiplexer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	return &Multiplexer{
		registry:  cfg.Registry,
		watchers:  cfg.Watchers,
		scorer:    cfg.Scorer,
		rules:     cfg.Rules,
		heartbeat: hb,
		logger:    logger.With("component", "multiplexer"),
	}
}

// Registry returns the registry streams are registered in.
func (m *Multiplexer) Registry() *Registry {
	return m.registry
}

// Serve streams events for agentID to sink until ctx ends, the sink fails
// or the registry shuts down. It returns ErrTooManyConnections before
// writing anything when the agent is at its cap. A context ending or the
// registry closing returns nil.
func (m *Multiplexer) Serve(ctx context.Context, agentID string, sink Sink) error {
	h, err := m.registry.Register(agentID)
	if err != nil {
		return err
	}
	logger := m.logger.With("agent_id", agentID, "handle_id", h.ID())

	// Teardown runs in reverse: watcher, heartbeat, handle.
	defer m.registry.Unregister(h)

	heartbeat := time.NewTicker(m.heartbeat)
	defer heartbeat.Stop()

	var mail <-chan mailwatch.Event
	if m.watchers != nil {
		w := m.watchers.NewWatcher(agentID)
		defer w.Stop()
		if err := w.Start(ctx); err != nil {
			logger.Warn("mailbox watch unavailable", "error", err)
		} else {
			mail = w.Events()
		}
	}

	if err := sink.Send(Event{Type: TypeConnected, Data: ConnectedData{
		AgentID:          agentID,
		ConnectionID:     h.ID(),
		HeartbeatSeconds: int(m.heartbeat / time.Second),
		MailboxWatching:  mail != nil,
	}}); err != nil {
		return err
	}
	logger.Info("event stream connected")
	defer logger.Info("event stream disconnected")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-h.Events():
			if !ok {
				return nil
			}
			if err := sink.Send(ev); err != nil {
				return err
			}

		case mev, ok := <-mail:
			if !ok {
				logger.Debug("mailbox watch ended")
				mail = nil
				continue
			}
			if err := sink.Send(m.mailEvent(agentID, mev)); err != nil {
				return err
			}

		case t := <-heartbeat.C:
			if err := sink.Send(Event{Type: TypeHeartbeat, Data: HeartbeatData{Time: t.UTC()}}); err != nil {
				return err
			}
		}
	}
}

func (m *Multiplexer) mailEvent(agentID string, mev mailwatch.Event) Event {
	data := MailData{
		Kind:    string(mev.Kind),
		UID:     mev.UID,
		Seq:     mev.Seq,
		Flags:   mev.Flags,
		Attempt: mev.Attempt,
	}
	if mev.Err != nil {
		data.Error = mev.Err.Error()
	}

	if mev.Kind == mailwatch.KindNew && mev.Message != nil {
		data.Message = mailMessage(mev.Message)

		var verdict scoring.Verdict
		scored := false
		if m.scorer != nil {
			verdict = m.scorer.Score(mev.Message)
			scored = true
		}
		if m.rules != nil {
			if match := m.rules.Evaluate(agentID, mev.Message); match != nil {
				data.Rule = match
				verdict = scoring.Apply(verdict, match)
				scored = true
			}
		}
		if scored {
			data.Spam = &verdict
		}
	}

	return Event{Type: mailPrefix + string(mev.Kind), Data: data}
}

func mailMessage(mail *store.AgentMail) *MailMessage {
	return &MailMessage{
		ID:          mail.ID,
		From:        mail.FromAgentID,
		To:          mail.ToAgentID,
		Subject:     mail.Subject,
		Content:     mail.Content,
		ContentHTML: mail.ContentHTML,
		CreatedAt:   mail.CreatedAt,
	}
}
