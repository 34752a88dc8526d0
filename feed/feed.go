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

// Package feed maintains per-user timelines: new posts and reposts fan out
// to the feeds of the author's followers as they are recorded.
package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/events"
	"github.com/fedpress/fedpress/moderation"
	"github.com/fedpress/fedpress/post"
)

// Service fans posts out to feeds and reads them back.
type Service struct {
	DB       *sql.DB
	Config   *cfg.Config
	Bus      *events.Bus
	Posts    *post.Repository
	Accounts *account.Service
}

// UpdatedEvent is emitted after feed rows changed.
type UpdatedEvent struct {
	PostID int64
	Users  int64
}

// Entry is one feed item: a post, possibly wrapped in a repost.
type Entry struct {
	ID         int64
	Post       *post.Post
	RepostedBy *account.Account
}

// Options selects a feed page.
type Options struct {
	Type   ap.ObjectType
	Cursor int64
	Limit  int
}

// Register subscribes the service to the events that drive fan-out.
func (s *Service) Register() {
	s.Bus.Subscribe(events.PostCreated, func(ctx context.Context, event any) error {
		e, ok := event.(*post.CreatedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		return s.addPost(ctx, e.Post, nil)
	})

	s.Bus.Subscribe(events.PostReposted, func(ctx context.Context, event any) error {
		e, ok := event.(*post.RepostedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		reposter, err := s.Accounts.ByID(ctx, e.AccountID)
		if err != nil {
			return err
		}
		return s.addPost(ctx, e.Post, reposter)
	})

	s.Bus.Subscribe(events.PostDeleted, func(ctx context.Context, event any) error {
		e, ok := event.(*post.DeletedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		return s.removePost(ctx, e.Post)
	})

	s.Bus.Subscribe(events.PostDereposted, func(ctx context.Context, event any) error {
		e, ok := event.(*post.DerepostedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		return s.removeRepost(ctx, e.Post, e.AccountID)
	})

	s.Bus.Subscribe(events.AccountUnfollowed, func(ctx context.Context, event any) error {
		e, ok := event.(*account.UnfollowedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		return s.removeAuthor(ctx, e.Follower, e.Following)
	})

	s.Bus.Subscribe(events.AccountBlocked, func(ctx context.Context, event any) error {
		e, ok := event.(*moderation.BlockedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		if err := s.removeAuthor(ctx, e.Blocker, e.Blocked); err != nil {
			return err
		}
		return s.removeAuthor(ctx, e.Blocked, e.Blocker)
	})
}

// addPost inserts a post, or a repost of it, into the feed of every user who
// follows the author or reposter. Replies never reach feeds.
func (s *Service) addPost(ctx context.Context, p *post.Post, repostedBy *account.Account) error {
	if p.InReplyTo != 0 || p.IsDeleted() {
		return nil
	}

	fanOutFor := p.Author
	if repostedBy != nil {
		fanOutFor = repostedBy
	}

	userIDs, err := s.recipients(ctx, p, fanOutFor)
	if err != nil {
		return err
	}

	var repostedByID sql.NullInt64
	if repostedBy != nil {
		repostedByID = sql.NullInt64{Int64: repostedBy.ID, Valid: true}
	}

	// one bounded statement per chunk, so a popular author does not hold
	// the write lock for the entire fan-out
	var users int64
	for chunk := range slices.Chunk(userIDs, s.Config.FeedChunkSize) {
		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*6)
		for _, id := range chunk {
			values = append(values, "(?, ?, ?, ?, ?, ?)")
			args = append(args, id, p.ID, p.Type, p.Audience, p.Author.ID, repostedByID)
		}

		res, err := s.DB.ExecContext(
			ctx,
			`insert or ignore into feeds(user_id, post_id, post_type, audience, author_id, reposted_by_id) values `+strings.Join(values, ", "),
			args...,
		)
		if err != nil {
			return fmt.Errorf("failed to fan out %s: %w", p.APID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		users += n
	}

	s.notifyUpdated(ctx, p.ID, users)
	return nil
}

// recipients lists the users whose feeds receive the post: the author or
// reposter themselves plus their followers, minus anyone blocking or blocked
// by either side.
func (s *Service) recipients(ctx context.Context, p *post.Post, fanOutFor *account.Account) ([]int64, error) {
	rows, err := s.DB.QueryContext(
		ctx,
		`select users.id
		from users
		where (users.account_id = $1
			or exists (select 1 from follows where follows.follower_id = users.account_id and follows.following_id = $1))
		and not exists (select 1 from blocks where (blocks.blocker_id = users.account_id and blocks.blocked_id in ($2, $1)) or (blocks.blocked_id = users.account_id and blocks.blocker_id in ($2, $1)))
		and not exists (select 1 from domain_blocks where domain_blocks.blocker_id = users.account_id and domain_blocks.domain_hash in ($3, $4))
		order by users.id`,
		fanOutFor.ID,
		p.Author.ID,
		ap.DomainHash(p.Author.Domain),
		ap.DomainHash(fanOutFor.Domain),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds for %s: %w", p.APID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (s *Service) removePost(ctx context.Context, p *post.Post) error {
	res, err := s.DB.ExecContext(ctx, `delete from feeds where post_id = ?`, p.ID)
	if err != nil {
		return fmt.Errorf("failed to remove %s from feeds: %w", p.APID, err)
	}

	users, err := res.RowsAffected()
	if err != nil {
		return err
	}

	s.notifyUpdated(ctx, p.ID, users)
	return nil
}

func (s *Service) removeRepost(ctx context.Context, p *post.Post, reposterID int64) error {
	res, err := s.DB.ExecContext(ctx, `delete from feeds where post_id = ? and reposted_by_id = ?`, p.ID, reposterID)
	if err != nil {
		return fmt.Errorf("failed to remove repost of %s from feeds: %w", p.APID, err)
	}

	users, err := res.RowsAffected()
	if err != nil {
		return err
	}

	s.notifyUpdated(ctx, p.ID, users)
	return nil
}

// removeAuthor drops another account's posts and reposts from a user's feed.
// No-op unless the account belongs to a user of this site.
func (s *Service) removeAuthor(ctx context.Context, user, author *account.Account) error {
	if !user.IsInternal() {
		return nil
	}

	if _, err := s.DB.ExecContext(
		ctx,
		`delete from feeds where user_id = $1 and (author_id = $2 or reposted_by_id = $2)`,
		user.UserID,
		author.ID,
	); err != nil {
		return fmt.Errorf("failed to remove %s from feed of %s: %w", author.APID, user.APID, err)
	}

	return nil
}

func (s *Service) notifyUpdated(ctx context.Context, postID, users int64) {
	if users == 0 {
		return
	}

	if err := s.Bus.Emit(ctx, events.FeedsUpdated, UpdatedEvent{PostID: postID, Users: users}); err != nil {
		slog.WarnContext(ctx, "Failed to handle feed update", "post", postID, "error", err)
	}
}

// Get returns one page of a user's feed, newest first, and the cursor of the
// next page, or zero if this is the last one.
func (s *Service) Get(ctx context.Context, a *account.Account, opts Options) ([]Entry, int64, error) {
	if !a.IsInternal() {
		return nil, 0, account.ErrNotInternal
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.Config.FeedPageSize
	}

	cursor := opts.Cursor
	if cursor == 0 {
		cursor = int64(^uint64(0) >> 1)
	}

	rows, err := s.DB.QueryContext(
		ctx,
		`select feeds.id, feeds.post_id, ifnull(feeds.reposted_by_id, 0) from feeds
		join posts on posts.id = feeds.post_id
		where feeds.user_id = ? and feeds.post_type = ? and feeds.id < ? and posts.deleted_at is null
		order by feeds.id desc limit ?`,
		a.UserID,
		opts.Type,
		cursor,
		limit+1,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch feed of %s: %w", a.APID, err)
	}

	type row struct {
		id, postID, repostedByID int64
	}
	var page []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.postID, &r.repostedByID); err != nil {
			rows.Close()
			return nil, 0, err
		}
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	var next int64
	if len(page) > limit {
		page = page[:limit]
		next = page[limit-1].id
	}

	entries := make([]Entry, 0, len(page))
	for _, r := range page {
		p, err := s.Posts.ByID(ctx, r.postID)
		if errors.Is(err, post.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, 0, err
		}

		entry := Entry{ID: r.id, Post: p}
		if r.repostedByID != 0 {
			reposter, err := s.Accounts.ByID(ctx, r.repostedByID)
			if err != nil {
				return nil, 0, err
			}
			entry.RepostedBy = reposter
		}
		entries = append(entries, entry)
	}

	return entries, next, nil
}
