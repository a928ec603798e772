// ABOUTME: Mailbox watcher contract and event kinds consumed by the event multiplexer
// ABOUTME: A Watcher streams new/expunge/flags and connection-health events for one mailbox

package mailwatch

import (
	"context"

	"github.com/2389/coven-courier/internal/store"
)

// Kind identifies a mailbox event.
type Kind string

const (
	KindNew             Kind = "new"
	KindExpunge         Kind = "expunge"
	KindFlags           Kind = "flags"
	KindError           Kind = "error"
	KindReconnecting    Kind = "reconnecting"
	KindReconnected     Kind = "reconnected"
	KindReconnectFailed Kind = "reconnect_failed"
)

// FlagSeen is reported in flags events for read mail.
const FlagSeen = `\Seen`

// Event is one change observed on a mailbox.
//
// UID is the mail ID. Seq is the 1-based position of the message in the
// mailbox before it was expunged. Message is set for new events only.
type Event struct {
	Kind    Kind
	UID     string
	Seq     int
	Flags   []string
	Message *store.AgentMail
	Err     error
	Attempt int
}

// Watcher streams events for one mailbox.
type Watcher interface {
	// Start loads the mailbox and begins watching. The events channel is
	// closed when watching ends for any reason.
	Start(ctx context.Context) error
	Events() <-chan Event
	// Stop ends watching and waits for it to finish. Safe to call repeatedly.
	Stop()
}

// Factory creates a watcher scoped to one agent's mailbox.
type Factory interface {
	NewWatcher(agentID string) Watcher
}
