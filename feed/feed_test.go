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

package feed_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/feed"
	"github.com/fedpress/fedpress/fedtest"
	"github.com/fedpress/fedpress/post"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func follow(t *testing.T, s *fedtest.Server, host, username string) *account.Account {
	t.Helper()
	ctx := context.Background()
	actor := s.NewActor(host, username)
	a, err := s.Accounts.EnsureByAPID(ctx, actor.ID)
	require.NoError(t, err)
	require.NoError(t, s.Accounts.Follow(ctx, s.Self, a))
	return a
}

func savePost(t *testing.T, s *fedtest.Server, author *account.Account, suffix string) *post.Post {
	t.Helper()
	p := &post.Post{
		UUID:        uuid.NewString(),
		Type:        ap.Note,
		APID:        author.APID + "/" + suffix,
		Author:      author,
		Content:     "<p>" + suffix + "</p>",
		PublishedAt: time.Now(),
	}
	require.NoError(t, s.Repo.Save(context.Background(), p))
	return p
}

func feedPosts(t *testing.T, s *fedtest.Server) []*post.Post {
	t.Helper()
	entries, _, err := s.Feeds.Get(context.Background(), s.Self, feed.Options{Type: ap.Note})
	require.NoError(t, err)
	posts := make([]*post.Post, 0, len(entries))
	for _, e := range entries {
		posts = append(posts, e.Post)
	}
	return posts
}

func TestFeedFansOutToFollowers(t *testing.T) {
	s := fedtest.NewServer(t)

	followed := follow(t, s, "remote.example", "alice")
	stranger := s.NewActor("remote.example", "carol")
	strangerAccount, err := s.Accounts.EnsureByAPID(context.Background(), stranger.ID)
	require.NoError(t, err)

	p := savePost(t, s, followed, "followed-note")
	savePost(t, s, strangerAccount, "stranger-note")

	posts := feedPosts(t, s)
	require.Len(t, posts, 1)
	assert.Equal(t, p.APID, posts[0].APID)
}

func TestFeedFanOutChunked(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()
	s.Config.FeedChunkSize = 2

	author := follow(t, s, "remote.example", "alice")

	// two more sites on this server, each with its own user
	for _, host := range []string{"b.example", "c.example"} {
		site, err := s.Accounts.EnsureSite(ctx, host)
		require.NoError(t, err)
		u, err := s.Accounts.DefaultAccount(ctx, site)
		require.NoError(t, err)
		require.NoError(t, s.Accounts.Follow(ctx, u, author))
	}

	p := savePost(t, s, author, "note-1")

	// three feeds, written two rows at a time
	var rows int
	require.NoError(t, s.DB.QueryRow(`select count(*) from feeds where post_id = ?`, p.ID).Scan(&rows))
	assert.Equal(t, 3, rows)
}

func TestFeedIncludesOwnPosts(t *testing.T) {
	s := fedtest.NewServer(t)

	p, err := s.Posts.CreateNote(context.Background(), s.Self, "<p>mine</p>", "")
	require.NoError(t, err)

	posts := feedPosts(t, s)
	require.Len(t, posts, 1)
	assert.Equal(t, p.APID, posts[0].APID)
}

func TestFeedSkipsReplies(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	parent, err := s.Posts.CreateNote(ctx, s.Self, "<p>parent</p>", "")
	require.NoError(t, err)

	_, err = s.Posts.CreateReply(ctx, s.Self, parent.APID, "<p>child</p>", "")
	require.NoError(t, err)

	posts := feedPosts(t, s)
	require.Len(t, posts, 1)
	assert.Equal(t, parent.APID, posts[0].APID)
}

func TestFeedReposts(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	// bob is followed, the author is not
	author := s.NewActor("other.example", "alice")
	authorAccount, err := s.Accounts.EnsureByAPID(ctx, author.ID)
	require.NoError(t, err)
	reposter := follow(t, s, "remote.example", "bob")

	p := savePost(t, s, authorAccount, "note-1")
	assert.Empty(t, feedPosts(t, s))

	require.NoError(t, p.AddRepost(reposter.ID))
	require.NoError(t, s.Repo.Save(ctx, p))

	entries, _, err := s.Feeds.Get(ctx, s.Self, feed.Options{Type: ap.Note})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, p.APID, entries[0].Post.APID)
	require.NotNil(t, entries[0].RepostedBy)
	assert.Equal(t, reposter.ID, entries[0].RepostedBy.ID)

	p.RemoveRepost(reposter.ID)
	require.NoError(t, s.Repo.Save(ctx, p))
	assert.Empty(t, feedPosts(t, s))
}

func TestFeedBlocks(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	blocked := follow(t, s, "remote.example", "alice")
	savePost(t, s, blocked, "note-1")
	require.Len(t, feedPosts(t, s), 1)

	// blocking removes what is already there and stops future fan-out
	require.NoError(t, s.Moderation.Block(ctx, s.Self, blocked))
	assert.Empty(t, feedPosts(t, s))

	savePost(t, s, blocked, "note-2")
	assert.Empty(t, feedPosts(t, s))
}

func TestFeedDomainBlocks(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	blocked := follow(t, s, "spam.example", "alice")
	require.NoError(t, s.Moderation.BlockDomain(ctx, s.Self, "spam.example"))

	savePost(t, s, blocked, "note-1")
	assert.Empty(t, feedPosts(t, s))
}

func TestFeedHidesDeleted(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	p, err := s.Posts.CreateNote(ctx, s.Self, "<p>soon gone</p>", "")
	require.NoError(t, err)
	require.Len(t, feedPosts(t, s), 1)

	require.NoError(t, p.Delete(s.Self))
	require.NoError(t, s.Repo.Save(ctx, p))
	assert.Empty(t, feedPosts(t, s))
}

func TestFeedPaging(t *testing.T) {
	s := fedtest.NewServer(t)
	ctx := context.Background()

	author := follow(t, s, "remote.example", "alice")
	for i := range 5 {
		savePost(t, s, author, fmt.Sprintf("note-%d", i))
	}

	var got []string
	var cursor int64
	pages := 0
	for {
		entries, next, err := s.Feeds.Get(ctx, s.Self, feed.Options{Type: ap.Note, Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		for _, e := range entries {
			got = append(got, e.Post.APID)
		}
		pages++
		if next == 0 {
			break
		}
		cursor = next
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, got, 5)

	// newest first
	assert.Equal(t, author.APID+"/note-4", got[0])
	assert.Equal(t, author.APID+"/note-0", got[4])
}
