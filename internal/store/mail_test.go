// ABOUTME: Tests for agent mailbox persistence
// ABOUTME: Covers send, inbox listing, since-queries, read marking and deletion

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMail_SendAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		for i, subject := range []string{"first", "second", "third"} {
			require.NoError(t, s.SendMail(ctx, &AgentMail{
				FromAgentID: "alice",
				ToAgentID:   "bob",
				Subject:     subject,
				Content:     "body " + subject,
				ContentHTML: "<p>body " + subject + "</p>",
				CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, s.SendMail(ctx, &AgentMail{FromAgentID: "bob", ToAgentID: "alice", Subject: "other", Content: "x"}))

		inbox, err := s.ListInbox(ctx, "bob", false, 0)
		require.NoError(t, err)
		require.Len(t, inbox, 3)
		assert.Equal(t, "third", inbox[0].Subject, "newest first")
		assert.Equal(t, "<p>body third</p>", inbox[0].ContentHTML)

		since, err := s.ListInboxSince(ctx, "bob", base.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, "second", since[0].Subject, "oldest first, inclusive")
		assert.Equal(t, "third", since[1].Subject)

		limited, err := s.ListInbox(ctx, "bob", false, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestMail_MarkReadAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mail := &AgentMail{FromAgentID: "alice", ToAgentID: "bob", Subject: "hi", Content: "hello"}
		require.NoError(t, s.SendMail(ctx, mail))

		unread, err := s.ListInbox(ctx, "bob", true, 10)
		require.NoError(t, err)
		require.Len(t, unread, 1)

		require.NoError(t, s.MarkMailRead(ctx, mail.ID))
		got, err := s.GetMail(ctx, mail.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ReadAt)
		firstRead := *got.ReadAt

		require.NoError(t, s.MarkMailRead(ctx, mail.ID), "marking twice is a no-op")
		got, err = s.GetMail(ctx, mail.ID)
		require.NoError(t, err)
		assert.True(t, firstRead.Equal(*got.ReadAt))

		unread, err = s.ListInbox(ctx, "bob", true, 10)
		require.NoError(t, err)
		assert.Empty(t, unread)

		assert.ErrorIs(t, s.MarkMailRead(ctx, "missing"), ErrNotFound)

		require.NoError(t, s.DeleteMail(ctx, mail.ID))
		_, err = s.GetMail(ctx, mail.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteMail(ctx, mail.ID), ErrNotFound)
	})
}
