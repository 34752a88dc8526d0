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

package post_test

import (
	"context"
	"testing"
	"time"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/events"
	"github.com/fedpress/fedpress/fedtest"
	"github.com/fedpress/fedpress/post"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteAccount(t *testing.T, s *fedtest.Server, username string) *account.Account {
	t.Helper()
	actor := s.NewActor("remote.example", username)
	a, err := s.Accounts.EnsureByAPID(context.Background(), actor.ID)
	require.NoError(t, err)
	return a
}

func externalPost(author *account.Account, suffix string) *post.Post {
	return &post.Post{
		UUID:        uuid.NewString(),
		Type:        ap.Note,
		APID:        author.APID + "/" + suffix,
		Author:      author,
		Content:     "<p>hello</p>",
		PublishedAt: time.Now(),
	}
}

func TestSaveDuplicateObjectID(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	created := 0
	s.Bus.Subscribe(events.PostCreated, func(ctx context.Context, event any) error {
		created++
		return nil
	})

	author := remoteAccount(t, s, "alice")

	first := externalPost(author, "note-1")
	require.NoError(t, s.Repo.Save(ctx, first))
	require.NotZero(t, first.ID)

	dup := externalPost(author, "note-1")
	dup.Content = "<p>changed</p>"
	require.NoError(t, s.Repo.Save(ctx, dup))
	assert.Equal(t, first.ID, dup.ID)

	var count int
	require.NoError(t, s.DB.QueryRow(`select count(*) from posts where ap_id = ?`, first.APID).Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, created)

	// the stored content is the first writer's
	stored, err := s.Repo.ByAPID(ctx, first.APID)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", stored.Content)
}

func TestSaveReplyCount(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	parent, err := s.Posts.CreateNote(ctx, s.Self, "<p>parent</p>", "")
	require.NoError(t, err)

	reply, err := s.Posts.CreateReply(ctx, s.Self, parent.APID, "<p>child</p>", "")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, reply.InReplyTo)
	assert.Equal(t, parent.ID, reply.ThreadRoot)

	parent, err = s.Repo.ByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parent.ReplyCount)
}

func TestSaveTombstone(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	deleted := 0
	s.Bus.Subscribe(events.PostDeleted, func(ctx context.Context, event any) error {
		deleted++
		return nil
	})

	parent, err := s.Posts.CreateNote(ctx, s.Self, "<p>parent</p>", "")
	require.NoError(t, err)

	reply, err := s.Posts.CreateReply(ctx, s.Self, parent.APID, "<p>child</p>", "")
	require.NoError(t, err)

	liker := remoteAccount(t, s, "bob")
	reply.AddLike(liker.ID)
	reposter := remoteAccount(t, s, "carol")
	require.NoError(t, reply.AddRepost(reposter.ID))
	require.NoError(t, s.Repo.Save(ctx, reply))

	stranger := remoteAccount(t, s, "mallory")
	assert.ErrorIs(t, reply.Delete(stranger), post.ErrNotAuthor)

	require.NoError(t, reply.Delete(s.Self))
	require.NoError(t, s.Repo.Save(ctx, reply))
	assert.Equal(t, 1, deleted)

	gone, err := s.Repo.ByID(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, ap.Tombstone, gone.Type)
	assert.True(t, gone.IsDeleted())
	assert.Empty(t, gone.Content)

	var likes, outboxes, reposts int
	require.NoError(t, s.DB.QueryRow(`select count(*) from likes where post_id = ?`, reply.ID).Scan(&likes))
	require.NoError(t, s.DB.QueryRow(`select count(*) from outboxes where post_id = ?`, reply.ID).Scan(&outboxes))
	require.NoError(t, s.DB.QueryRow(`select count(*) from reposts where post_id = ?`, reply.ID).Scan(&reposts))
	assert.Zero(t, likes)
	assert.Zero(t, outboxes)

	// repost rows outlive the tombstone
	assert.Equal(t, 1, reposts)

	parent, err = s.Repo.ByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Zero(t, parent.ReplyCount)

	// deleting a tombstone again changes nothing
	require.NoError(t, gone.Delete(s.Self))
	require.NoError(t, s.Repo.Save(ctx, gone))
	assert.Equal(t, 1, deleted)
}

func TestSaveCountsInternalPost(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	p, err := s.Posts.CreateNote(ctx, s.Self, "<p>hi</p>", "")
	require.NoError(t, err)

	liker := remoteAccount(t, s, "bob")
	p.AddLike(liker.ID)
	p.LikeCount = 500
	require.NoError(t, s.Repo.Save(ctx, p))

	p, err = s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.LikeCount, "counts of this site's posts never mirror remote values")

	// saving again without membership changes leaves the counter alone
	p.LikeCount = 500
	require.NoError(t, s.Repo.Save(ctx, p))

	p, err = s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.LikeCount)
}

func TestSaveCountsExternalPost(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	author := remoteAccount(t, s, "alice")
	p := externalPost(author, "note-1")
	p.LikeCount = 7
	require.NoError(t, s.Repo.Save(ctx, p))

	p, err := s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.LikeCount)

	// without membership changes the remote count is mirrored
	p.LikeCount = 42
	require.NoError(t, s.Repo.Save(ctx, p))

	p, err = s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.LikeCount)

	// a membership change moves the stored counter instead
	p.AddLike(s.Self.ID)
	p.LikeCount = 100
	require.NoError(t, s.Repo.Save(ctx, p))

	p, err = s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(43), p.LikeCount)
}

func TestSaveRepostOutbox(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	author := remoteAccount(t, s, "alice")
	p := externalPost(author, "note-1")
	require.NoError(t, s.Repo.Save(ctx, p))

	require.NoError(t, p.AddRepost(s.Self.ID))
	assert.ErrorIs(t, p.AddRepost(s.Self.ID), post.ErrAlreadyReposted)

	remote := remoteAccount(t, s, "bob")
	require.NoError(t, p.AddRepost(remote.ID))
	require.NoError(t, s.Repo.Save(ctx, p))

	// only this site's accounts get outbox entries
	var outboxes int
	require.NoError(t, s.DB.QueryRow(`select count(*) from outboxes where post_id = ? and outbox_type = ?`, p.ID, post.OutboxRepost).Scan(&outboxes))
	assert.Equal(t, 1, outboxes)

	p, err := s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.RepostCount)
	assert.True(t, p.RepostedBy(s.Self.ID))

	p.RemoveRepost(s.Self.ID)
	require.NoError(t, s.Repo.Save(ctx, p))

	require.NoError(t, s.DB.QueryRow(`select count(*) from outboxes where post_id = ? and outbox_type = ?`, p.ID, post.OutboxRepost).Scan(&outboxes))
	assert.Zero(t, outboxes)

	p, err = s.Repo.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.RepostCount)
}
