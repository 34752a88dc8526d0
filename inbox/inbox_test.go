/*
Copyright 2025 the Fedpress Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package inbox_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/fedtest"
	"github.com/fedpress/fedpress/mq"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/post"
	"github.com/fedpress/fedpress/proof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deliver queues a received activity and processes one batch, like a signed
// POST to the inbox would.
func deliver(t *testing.T, s *fedtest.Server, origin string, activity map[string]any) {
	t.Helper()

	body, err := json.Marshal(activity)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Queue.Publish(ctx, mq.InboxTopic, mq.InboxMessage{Origin: origin, Body: body}))

	_, err = s.Queue.ProcessBatch(ctx)
	require.NoError(t, err)
}

type queuedDelivery struct {
	ActivityID string `json:"activityId"`
	From       int64  `json:"from"`
	Inbox      string `json:"inbox"`
}

// queuedDeliveries drains the pending outgoing deliveries and returns the
// activities they would send.
func queuedDeliveries(t *testing.T, s *fedtest.Server) []*ap.Activity {
	t.Helper()
	ctx := context.Background()

	rows, err := s.DB.QueryContext(ctx, `select payload from queue where topic = ? order by id`, s.Config.MQTopicName)
	require.NoError(t, err)
	defer rows.Close()

	var activities []*ap.Activity
	for rows.Next() {
		var payload string
		require.NoError(t, rows.Scan(&payload))

		var d queuedDelivery
		require.NoError(t, json.Unmarshal([]byte(payload), &d))

		raw, err := s.Store.Get(ctx, d.ActivityID)
		require.NoError(t, err)

		var a ap.Activity
		require.NoError(t, json.Unmarshal(raw, &a))
		activities = append(activities, &a)
	}
	require.NoError(t, rows.Err())

	_, err = s.DB.ExecContext(ctx, `delete from queue where topic = ?`, s.Config.MQTopicName)
	require.NoError(t, err)

	return activities
}

func followsRows(t *testing.T, s *fedtest.Server) int {
	t.Helper()
	var count int
	require.NoError(t, s.DB.QueryRow(`select count(*) from follows`).Scan(&count))
	return count
}

func TestInboxFollow(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	alice := s.NewActor("remote.example", "alice")
	deliver(t, s, "remote.example", map[string]any{
		"id":     "https://remote.example/follow/1",
		"type":   "Follow",
		"actor":  alice.ID,
		"object": s.Self.APID,
	})

	follower, err := s.Accounts.ByAPID(ctx, alice.ID)
	require.NoError(t, err)

	follows, err := s.Accounts.Follows(ctx, follower, s.Self)
	require.NoError(t, err)
	assert.True(t, follows)

	accepts := queuedDeliveries(t, s)
	require.Len(t, accepts, 1)
	assert.Equal(t, ap.Accept, accepts[0].Type)
	assert.Equal(t, s.Self.APID, accepts[0].Actor)
	assert.Equal(t, "https://remote.example/follow/1", accepts[0].Object)

	unread, err := s.Notifications.UnreadCount(ctx, s.Self, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	// the follow document is kept as it arrived
	raw, err := s.Store.Get(ctx, "https://remote.example/follow/1")
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, "Follow", stored["type"])
}

func TestInboxFollowTwice(t *testing.T) {
	s := fedtest.NewServer(t)

	alice := s.NewActor("remote.example", "alice")
	var accepts []*ap.Activity
	for i := range 2 {
		deliver(t, s, "remote.example", map[string]any{
			"id":     "https://remote.example/follow/1",
			"type":   "Follow",
			"actor":  alice.ID,
			"object": s.Self.APID,
		})

		assert.Equal(t, 1, followsRows(t, s), "attempt %d", i)
		accepts = append(accepts, queuedDeliveries(t, s)...)
	}

	// each request is acknowledged, even the redundant one
	assert.Len(t, accepts, 2)
}

func TestInboxFollowBlocked(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	alice := s.NewActor("remote.example", "alice")
	blocked, err := s.Accounts.EnsureByAPID(ctx, alice.ID)
	require.NoError(t, err)
	require.NoError(t, s.Moderation.Block(ctx, s.Self, blocked))

	deliver(t, s, "remote.example", map[string]any{
		"id":     "https://remote.example/follow/1",
		"type":   "Follow",
		"actor":  alice.ID,
		"object": s.Self.APID,
	})

	assert.Zero(t, followsRows(t, s))

	rejects := queuedDeliveries(t, s)
	require.Len(t, rejects, 1)
	assert.Equal(t, ap.Reject, rejects[0].Type)
}

func TestInboxForgedOrigin(t *testing.T) {
	s := fedtest.NewServer(t)

	alice := s.NewActor("remote.example", "alice")
	deliver(t, s, "evil.example", map[string]any{
		"id":     "https://remote.example/follow/1",
		"type":   "Follow",
		"actor":  alice.ID,
		"object": s.Self.APID,
	})

	assert.Zero(t, followsRows(t, s))
	assert.Empty(t, queuedDeliveries(t, s))
}

func TestInboxCreateReply(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	parent, err := s.Posts.CreateNote(ctx, s.Self, "<p>parent</p>", "")
	require.NoError(t, err)
	queuedDeliveries(t, s)

	alice := s.NewActor("remote.example", "alice")
	deliver(t, s, "remote.example", map[string]any{
		"id":    "https://remote.example/create/1",
		"type":  "Create",
		"actor": alice.ID,
		"object": map[string]any{
			"id":           alice.ID + "/note-1",
			"type":         "Note",
			"attributedTo": alice.ID,
			"inReplyTo":    parent.APID,
			"content":      "<p>nice post</p>",
			"to":           []string{ap.Public},
		},
	})

	reply, err := s.Repo.ByAPID(ctx, alice.ID+"/note-1")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, reply.InReplyTo)
	assert.Equal(t, parent.ID, reply.ThreadRoot)

	parent, err = s.Repo.ByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parent.ReplyCount)

	notifications, _, err := s.Notifications.List(ctx, s.Self, 0, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, notification.Reply, notifications[0].Type)
}

func TestInboxAnnounce(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	p, err := s.Posts.CreateNote(ctx, s.Self, "<p>hi</p>", "")
	require.NoError(t, err)
	queuedDeliveries(t, s)

	bob := s.NewActor("remote.example", "bob")
	for range 2 {
		deliver(t, s, "remote.example", map[string]any{
			"id":     "https://remote.example/announce/1",
			"type":   "Announce",
			"actor":  bob.ID,
			"object": p.APID,
		})
	}

	p, err = s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.RepostCount)

	reposter, err := s.Accounts.ByAPID(ctx, bob.ID)
	require.NoError(t, err)
	assert.True(t, p.RepostedBy(reposter.ID))
}

func TestInboxLikeThenUndo(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	p, err := s.Posts.CreateNote(ctx, s.Self, "<p>hi</p>", "")
	require.NoError(t, err)

	bob := s.NewActor("remote.example", "bob")
	deliver(t, s, "remote.example", map[string]any{
		"id":     "https://remote.example/like/1",
		"type":   "Like",
		"actor":  bob.ID,
		"object": p.APID,
	})

	p, err = s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.LikeCount)

	deliver(t, s, "remote.example", map[string]any{
		"id":    "https://remote.example/undo/1",
		"type":  "Undo",
		"actor": bob.ID,
		"object": map[string]any{
			"id":     "https://remote.example/like/1",
			"type":   "Like",
			"actor":  bob.ID,
			"object": p.APID,
		},
	})

	p, err = s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, p.LikeCount)
}

func TestInboxDeleteByAuthor(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	alice := s.NewActor("remote.example", "alice")
	o := s.NewObject(alice, ap.Note, "note-1", "<p>hello</p>")

	deliver(t, s, "remote.example", map[string]any{
		"id":     "https://remote.example/create/1",
		"type":   "Create",
		"actor":  alice.ID,
		"object": o.ID,
	})

	stored, err := s.Repo.ByAPID(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted())

	deliver(t, s, "remote.example", map[string]any{
		"id":     "https://remote.example/delete/1",
		"type":   "Delete",
		"actor":  alice.ID,
		"object": o.ID,
	})

	stored, err = s.Repo.ByAPID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted())
	assert.Equal(t, ap.Tombstone, stored.Type)
}

func TestInboxDeleteByStranger(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	alice := s.NewActor("remote.example", "alice")
	o := s.NewObject(alice, ap.Note, "note-1", "<p>hello</p>")
	deliver(t, s, "remote.example", map[string]any{
		"id":     "https://remote.example/create/1",
		"type":   "Create",
		"actor":  alice.ID,
		"object": o.ID,
	})

	// mallory lives on the same host, so origin validation passes,
	// but she is not the author
	mallory := s.NewActor("remote.example", "mallory")
	deliver(t, s, "remote.example", map[string]any{
		"id":     "https://remote.example/delete/1",
		"type":   "Delete",
		"actor":  mallory.ID,
		"object": o.ID,
	})

	stored, err := s.Repo.ByAPID(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted())
}

// newAssertionKey generates an Ed25519 key pair and advertises the public
// half on the actor, the way FEP-521a actors publish signing keys.
func newAssertionKey(t *testing.T, actor *ap.Actor) (ed25519.PrivateKey, string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keyID := actor.ID + "#ed25519-key"
	actor.AssertionMethod = append(actor.AssertionMethod, ap.Multikey{
		ID:                 keyID,
		Type:               "Multikey",
		Controller:         actor.ID,
		PublicKeyMultibase: "z" + base58.Encode(append([]byte{0xed, 0x01}, pub...)),
	})

	return priv, keyID
}

// signedCreate wraps a note in a Create carrying an integrity proof.
func signedCreate(t *testing.T, key ed25519.PrivateKey, keyID string, create map[string]any) map[string]any {
	t.Helper()

	raw, err := json.Marshal(create)
	require.NoError(t, err)

	signed, err := proof.Add(key, keyID, time.Now(), raw)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(signed, &m))
	return m
}

func followedGroup(t *testing.T, s *fedtest.Server, host, username string) *ap.Actor {
	t.Helper()
	ctx := context.Background()

	group := s.NewActor(host, username)
	group.Type = ap.Group

	acct, err := s.Accounts.EnsureByAPID(ctx, group.ID)
	require.NoError(t, err)
	require.NoError(t, s.Accounts.Follow(ctx, s.Self, acct))

	return group
}

func TestInboxAnnounceCreateSigned(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	group := followedGroup(t, s, "lemmy.example", "cats")
	dana := s.NewActor("member.example", "dana")
	priv, keyID := newAssertionKey(t, dana)

	// the note is not fetchable, only the embedded copy exists
	noteID := dana.ID + "/note-1"
	deliver(t, s, "lemmy.example", map[string]any{
		"id":    "https://lemmy.example/announce/1",
		"type":  "Announce",
		"actor": group.ID,
		"object": signedCreate(t, priv, keyID, map[string]any{
			"id":    dana.ID + "/create/1",
			"type":  "Create",
			"actor": dana.ID,
			"to":    []string{ap.Public},
			"object": map[string]any{
				"id":           noteID,
				"type":         "Note",
				"attributedTo": dana.ID,
				"content":      "<p>group post</p>",
				"to":           []string{ap.Public},
			},
		}),
	})

	stored, err := s.Repo.ByAPID(ctx, noteID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.RepostCount)
}

func TestInboxAnnounceCreateForeignKey(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	group := followedGroup(t, s, "lemmy.example", "cats")
	dana := s.NewActor("member.example", "dana")

	// the signing key belongs to mallory, not to the claimed author, so
	// the proof proves nothing about dana
	mallory := s.NewActor("evil.example", "mallory")
	priv, keyID := newAssertionKey(t, mallory)

	noteID := dana.ID + "/note-1"
	deliver(t, s, "lemmy.example", map[string]any{
		"id":    "https://lemmy.example/announce/1",
		"type":  "Announce",
		"actor": group.ID,
		"object": signedCreate(t, priv, keyID, map[string]any{
			"id":    dana.ID + "/create/1",
			"type":  "Create",
			"actor": dana.ID,
			"to":    []string{ap.Public},
			"object": map[string]any{
				"id":           noteID,
				"type":         "Note",
				"attributedTo": dana.ID,
				"content":      "<p>haha scam</p>",
				"to":           []string{ap.Public},
			},
		}),
	})

	_, err := s.Repo.ByAPID(ctx, noteID)
	assert.ErrorIs(t, err, post.ErrNotFound)
}

func TestInboxAnnounceCreateNotGroup(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	// bob is followed but is a plain person, not a group
	bob := s.NewActor("remote.example", "bob")
	acct, err := s.Accounts.EnsureByAPID(ctx, bob.ID)
	require.NoError(t, err)
	require.NoError(t, s.Accounts.Follow(ctx, s.Self, acct))

	dana := s.NewActor("member.example", "dana")
	priv, keyID := newAssertionKey(t, dana)

	noteID := dana.ID + "/note-1"
	deliver(t, s, "remote.example", map[string]any{
		"id":    "https://remote.example/announce/1",
		"type":  "Announce",
		"actor": bob.ID,
		"object": signedCreate(t, priv, keyID, map[string]any{
			"id":    dana.ID + "/create/1",
			"type":  "Create",
			"actor": dana.ID,
			"to":    []string{ap.Public},
			"object": map[string]any{
				"id":           noteID,
				"type":         "Note",
				"attributedTo": dana.ID,
				"content":      "<p>group post</p>",
				"to":           []string{ap.Public},
			},
		}),
	})

	_, err = s.Repo.ByAPID(ctx, noteID)
	assert.ErrorIs(t, err, post.ErrNotFound)
}

func TestInboxDomainBlocked(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	require.NoError(t, s.Moderation.BlockDomain(ctx, s.Self, "spam.example"))

	alice := s.NewActor("spam.example", "alice")
	deliver(t, s, "spam.example", map[string]any{
		"id":     "https://spam.example/follow/1",
		"type":   "Follow",
		"actor":  alice.ID,
		"object": s.Self.APID,
	})

	assert.Zero(t, followsRows(t, s))
	assert.Empty(t, queuedDeliveries(t, s))
}
