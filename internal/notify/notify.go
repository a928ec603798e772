// ABOUTME: Fallback notification channels that wake agents outside the event stream
// ABOUTME: Mailbox drop, Matrix room post and a fan-out combinator

package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-courier/internal/store"
)

// Notifier delivers a best-effort wake-up message to an agent.
type Notifier interface {
	Notify(ctx context.Context, agentID, subject, body string) error
}

// markdown renders notification bodies. GFM adds tables and autolinks.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func renderHTML(body string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}

// MailNotifier drops the notification into the agent's mailbox, where a
// connected mailbox watcher will surface it as new mail.
type MailNotifier struct {
	mail store.MailStore
	from string
}

// NewMailNotifier creates a MailNotifier sending as from.
func NewMailNotifier(mail store.MailStore, from string) *MailNotifier {
	if from == "" {
		from = store.MasterAssignerID
	}
	return &MailNotifier{mail: mail, from: from}
}

// Notify implements Notifier.
func (n *MailNotifier) Notify(ctx context.Context, agentID, subject, body string) error {
	html, err := renderHTML(body)
	if err != nil {
		return err
	}
	if err := n.mail.SendMail(ctx, &store.AgentMail{
		FromAgentID: n.from,
		ToAgentID:   agentID,
		Subject:     subject,
		Content:     body,
		ContentHTML: html,
	}); err != nil {
		return fmt.Errorf("mailing %s: %w", agentID, err)
	}
	return nil
}

// Multi sends through every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, agentID, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, agentID, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*MailNotifier)(nil)
	_ Notifier = Multi(nil)
)
