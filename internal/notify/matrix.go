// ABOUTME: Matrix notifier posting wake-up notices into per-agent rooms
// ABOUTME: Uses mautrix with an HTML body rendered from Markdown

package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig configures the Matrix notifier.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms maps agent IDs to the room their notices go to.
	Rooms map[string]string
	// DefaultRoom receives notices for agents without a mapped room. Empty skips them.
	DefaultRoom string
}

type matrixSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// MatrixNotifier posts m.notice messages to Matrix rooms.
type MatrixNotifier struct {
	client      matrixSender
	rooms       map[string]id.RoomID
	defaultRoom id.RoomID
	logger      *slog.Logger
}

// NewMatrixNotifier creates a notifier logged in with an access token.
func NewMatrixNotifier(cfg MatrixConfig, logger *slog.Logger) (*MatrixNotifier, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return newMatrixNotifier(client, cfg, logger), nil
}

func newMatrixNotifier(client matrixSender, cfg MatrixConfig, logger *slog.Logger) *MatrixNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	rooms := make(map[string]id.RoomID, len(cfg.Rooms))
	for agent, room := range cfg.Rooms {
		rooms[agent] = id.RoomID(room)
	}
	return &MatrixNotifier{
		client:      client,
		rooms:       rooms,
		defaultRoom: id.RoomID(cfg.DefaultRoom),
		logger:      logger.With("component", "notify.matrix"),
	}
}

// Notify implements Notifier. Agents with no room are skipped silently.
func (n *MatrixNotifier) Notify(ctx context.Context, agentID, subject, body string) error {
	room, ok := n.rooms[agentID]
	if !ok {
		room = n.defaultRoom
	}
	if room == "" {
		n.logger.Debug("no matrix room for agent", "agent_id", agentID)
		return nil
	}

	rendered, err := renderHTML(body)
	if err != nil {
		return err
	}
	content := &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          fmt.Sprintf("[%s] %s\n\n%s", agentID, subject, body),
		Format:        event.FormatHTML,
		FormattedBody: fmt.Sprintf("<p><code>%s</code> <strong>%s</strong></p>%s", html.EscapeString(agentID), html.EscapeString(subject), rendered),
	}

	if _, err := n.client.SendMessageEvent(ctx, room, event.EventMessage, content); err != nil {
		return fmt.Errorf("posting to %s: %w", room, err)
	}
	return nil
}

var _ Notifier = (*MatrixNotifier)(nil)
