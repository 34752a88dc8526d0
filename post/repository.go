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

package post

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/events"
	"github.com/mattn/go-sqlite3"
)

// Repository loads and saves posts. Save is the single write path for posts,
// their likes and reposts, and the outbox entries they produce.
type Repository struct {
	DB       *sql.DB
	Bus      *events.Bus
	Accounts *account.Service
}

const postColumns = `posts.id, posts.uuid, posts.type, posts.audience, ifnull(posts.title, ''), ifnull(posts.excerpt, ''), ifnull(posts.summary, ''), ifnull(posts.content, ''), ifnull(posts.url, ''), ifnull(posts.image_url, ''), ifnull(posts.published_at, 0), posts.ap_id, posts.author_id, ifnull(posts.in_reply_to, 0), ifnull(posts.thread_root, 0), posts.like_count, posts.repost_count, posts.reply_count, posts.reading_time_minutes, ifnull(posts.attachments, ''), ifnull(posts.metadata, ''), ifnull(posts.deleted_at, 0), ifnull(posts.updated_at, 0)`

type scanner interface {
	Scan(...any) error
}

func (r *Repository) scanPost(ctx context.Context, row scanner) (*Post, error) {
	var p Post
	var authorID, published, deleted, updated int64
	var attachments, metadata string
	if err := row.Scan(&p.ID, &p.UUID, &p.Type, &p.Audience, &p.Title, &p.Excerpt, &p.Summary, &p.Content, &p.URL, &p.ImageURL, &published, &p.APID, &authorID, &p.InReplyTo, &p.ThreadRoot, &p.LikeCount, &p.RepostCount, &p.ReplyCount, &p.ReadingTimeMinutes, &attachments, &metadata, &deleted, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if published > 0 {
		p.PublishedAt = time.Unix(published, 0)
	}
	if deleted > 0 {
		p.DeletedAt = time.Unix(deleted, 0)
	}
	if updated > 0 {
		p.UpdatedAt = time.Unix(updated, 0)
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &p.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments of %s: %w", p.APID, err)
		}
	}
	if metadata != "" {
		p.Metadata = []byte(metadata)
	}

	author, err := r.Accounts.ByID(ctx, authorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load author of %s: %w", p.APID, err)
	}
	p.Author = author

	if err := r.loadSets(ctx, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

func (r *Repository) loadSets(ctx context.Context, p *Post) error {
	p.ensureSets()

	for _, q := range []struct {
		table string
		set   map[int64]struct{}
	}{
		{"likes", p.likes},
		{"reposts", p.reposts},
	} {
		rows, err := r.DB.QueryContext(ctx, `select account_id from `+q.table+` where post_id = ?`, p.ID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			q.set[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}

	return nil
}

// ByID returns the post with the given row ID.
func (r *Repository) ByID(ctx context.Context, id int64) (*Post, error) {
	return r.scanPost(ctx, r.DB.QueryRowContext(ctx, `select `+postColumns+` from posts where posts.id = ?`, id))
}

// ByAPID returns the post with the given object ID, if stored.
func (r *Repository) ByAPID(ctx context.Context, iri string) (*Post, error) {
	return r.scanPost(ctx, r.DB.QueryRowContext(ctx, `select `+postColumns+` from posts where posts.ap_id_hash = ?`, ap.IDHash(iri)))
}

func isUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: i != 0}
}

// Save writes the post and the difference between its like and repost sets
// and the stored ones, then emits the resulting events in commit order.
// Saving a post whose object ID is already stored is an idempotent success.
func (r *Repository) Save(ctx context.Context, p *Post) error {
	p.ensureSets()

	isNew := p.ID == 0

	if isNew && p.deleted {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var addedLikes, removedLikes, addedReposts, removedReposts []int64
	wasDeleted := false
	tombstoning := false

	if isNew {
		var attachments sql.NullString
		if len(p.Attachments) > 0 {
			buf, err := json.Marshal(p.Attachments)
			if err != nil {
				return fmt.Errorf("failed to encode attachments of %s: %w", p.APID, err)
			}
			attachments = sql.NullString{String: string(buf), Valid: true}
		}

		res, err := tx.ExecContext(
			ctx,
			`insert into posts(uuid, type, audience, title, excerpt, summary, content, url, image_url, published_at, ap_id, ap_id_hash, author_id, in_reply_to, thread_root, like_count, repost_count, reading_time_minutes, attachments, metadata) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.UUID,
			p.Type,
			p.Audience,
			nullString(p.Title),
			nullString(p.Excerpt),
			nullString(p.Summary),
			nullString(p.Content),
			nullString(p.URL),
			nullString(p.ImageURL),
			p.PublishedAt.Unix(),
			p.APID,
			ap.IDHash(p.APID),
			p.Author.ID,
			nullInt(p.InReplyTo),
			nullInt(p.ThreadRoot),
			p.LikeCount,
			p.RepostCount,
			p.ReadingTimeMinutes,
			attachments,
			nullString(string(p.Metadata)),
		)
		if err != nil {
			if isUniqueConstraint(err) {
				if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
					return err
				}
				return r.DB.QueryRowContext(ctx, `select id from posts where ap_id_hash = ?`, ap.IDHash(p.APID)).Scan(&p.ID)
			}
			return err
		}

		p.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if p.InReplyTo != 0 {
			if _, err := tx.ExecContext(ctx, `update posts set reply_count = reply_count + 1 where id = ?`, p.InReplyTo); err != nil {
				return err
			}
		}

		if p.IsInternal() {
			outboxType := OutboxOriginal
			if p.InReplyTo != 0 {
				outboxType = OutboxReply
			}
			if _, err := tx.ExecContext(
				ctx,
				`insert into outboxes(account_id, post_id, post_type, outbox_type, author_id, published_at) values (?, ?, ?, ?, ?, ?)`,
				p.Author.ID,
				p.ID,
				p.Type,
				outboxType,
				p.Author.ID,
				p.PublishedAt.Unix(),
			); err != nil {
				return err
			}
		}

		for _, mention := range p.Mentions {
			if _, err := tx.ExecContext(ctx, `insert or ignore into mentions(post_id, account_id) values (?, ?)`, p.ID, mention); err != nil {
				return err
			}
		}
	} else {
		var deletedAt sql.NullInt64
		if err := tx.QueryRowContext(ctx, `select deleted_at from posts where id = ?`, p.ID).Scan(&deletedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		wasDeleted = deletedAt.Valid
		tombstoning = p.deleted && !wasDeleted
	}

	if tombstoning {
		if _, err := tx.ExecContext(
			ctx,
			`update posts set type = ?, title = null, excerpt = null, summary = null, content = null, url = null, image_url = null, attachments = null, metadata = null, deleted_at = unixepoch(), updated_at = unixepoch() where id = ?`,
			ap.Tombstone,
			p.ID,
		); err != nil {
			return err
		}

		if p.InReplyTo != 0 {
			if _, err := tx.ExecContext(ctx, `update posts set reply_count = max(0, reply_count - 1) where id = ?`, p.InReplyTo); err != nil {
				return err
			}
		}

		// repost rows survive, they back announce counts on the remote side
		for _, table := range []string{"likes", "mentions", "outboxes"} {
			if _, err := tx.ExecContext(ctx, `delete from `+table+` where post_id = ?`, p.ID); err != nil {
				return err
			}
		}
	} else if !wasDeleted {
		if !isNew {
			var attachments sql.NullString
			if len(p.Attachments) > 0 {
				buf, err := json.Marshal(p.Attachments)
				if err != nil {
					return fmt.Errorf("failed to encode attachments of %s: %w", p.APID, err)
				}
				attachments = sql.NullString{String: string(buf), Valid: true}
			}

			if _, err := tx.ExecContext(
				ctx,
				`update posts set type = ?, audience = ?, title = ?, excerpt = ?, summary = ?, content = ?, url = ?, image_url = ?, reading_time_minutes = ?, attachments = ?, metadata = ?, updated_at = unixepoch() where id = ?`,
				p.Type,
				p.Audience,
				nullString(p.Title),
				nullString(p.Excerpt),
				nullString(p.Summary),
				nullString(p.Content),
				nullString(p.URL),
				nullString(p.ImageURL),
				p.ReadingTimeMinutes,
				attachments,
				nullString(string(p.Metadata)),
				p.ID,
			); err != nil {
				return err
			}
		}

		addedLikes, removedLikes, err = r.applyMembers(ctx, tx, "likes", p.ID, p.likes)
		if err != nil {
			return err
		}

		addedReposts, removedReposts, err = r.applyMembers(ctx, tx, "reposts", p.ID, p.reposts)
		if err != nil {
			return err
		}

		if err := r.applyCount(ctx, tx, "like_count", p.ID, len(addedLikes)-len(removedLikes), p.LikeCount, p.IsInternal()); err != nil {
			return err
		}

		if err := r.applyCount(ctx, tx, "repost_count", p.ID, len(addedReposts)-len(removedReposts), p.RepostCount, p.IsInternal()); err != nil {
			return err
		}

		for _, reposter := range addedReposts {
			// outbox entries belong to this site's accounts only
			if _, err := tx.ExecContext(
				ctx,
				`insert or ignore into outboxes(account_id, post_id, post_type, outbox_type, author_id, published_at) select ?, ?, ?, ?, ?, unixepoch() where exists (select 1 from users where users.account_id = ?)`,
				reposter,
				p.ID,
				p.Type,
				OutboxRepost,
				p.Author.ID,
				reposter,
			); err != nil {
				return err
			}
		}

		for _, reposter := range removedReposts {
			if _, err := tx.ExecContext(ctx, `delete from outboxes where account_id = ? and post_id = ? and outbox_type = ?`, reposter, p.ID, OutboxRepost); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if r.Bus == nil {
		return nil
	}

	if isNew {
		if err := r.Bus.Emit(ctx, events.PostCreated, &CreatedEvent{Post: p}); err != nil {
			slog.WarnContext(ctx, "Failed to handle post creation", "post", p.APID, "error", err)
		}
	}

	if tombstoning {
		if err := r.Bus.Emit(ctx, events.PostDeleted, &DeletedEvent{Post: p}); err != nil {
			slog.WarnContext(ctx, "Failed to handle post deletion", "post", p.APID, "error", err)
		}
	}

	for _, liker := range addedLikes {
		if err := r.Bus.Emit(ctx, events.PostLiked, &LikedEvent{Post: p, AccountID: liker}); err != nil {
			slog.WarnContext(ctx, "Failed to handle like", "post", p.APID, "liker", liker, "error", err)
		}
	}

	for _, reposter := range addedReposts {
		if err := r.Bus.Emit(ctx, events.PostReposted, &RepostedEvent{Post: p, AccountID: reposter}); err != nil {
			slog.WarnContext(ctx, "Failed to handle repost", "post", p.APID, "reposter", reposter, "error", err)
		}
	}

	for _, reposter := range removedReposts {
		if err := r.Bus.Emit(ctx, events.PostDereposted, &DerepostedEvent{Post: p, AccountID: reposter}); err != nil {
			slog.WarnContext(ctx, "Failed to handle repost removal", "post", p.APID, "reposter", reposter, "error", err)
		}
	}

	return nil
}

// applyMembers reconciles a membership table against the desired set and
// returns the accounts added and removed. The stored rows are re-read inside
// the transaction so concurrent saves never resurrect removed members.
func (r *Repository) applyMembers(ctx context.Context, tx *sql.Tx, table string, postID int64, desired map[int64]struct{}) ([]int64, []int64, error) {
	current := map[int64]struct{}{}

	rows, err := tx.QueryContext(ctx, `select account_id from `+table+` where post_id = ?`, postID)
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, err
		}
		current[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	var added, removed []int64

	for id := range desired {
		if _, ok := current[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `insert or ignore into `+table+`(account_id, post_id) values (?, ?)`, id, postID); err != nil {
			return nil, nil, err
		}
		added = append(added, id)
	}

	for id := range current {
		if _, ok := desired[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `delete from `+table+` where account_id = ? and post_id = ?`, id, postID); err != nil {
			return nil, nil, err
		}
		removed = append(removed, id)
	}

	return added, removed, nil
}

// applyCount updates a post counter. Counts of posts by this site's accounts
// only ever move relative to the stored value; counts of remote posts mirror
// the remote value unless this save changed the membership itself.
func (r *Repository) applyCount(ctx context.Context, tx *sql.Tx, column string, postID int64, delta int, remote int64, internal bool) error {
	if delta != 0 {
		_, err := tx.ExecContext(ctx, `update posts set `+column+` = max(0, `+column+` + ?) where id = ?`, delta, postID)
		return err
	}

	if internal {
		return nil
	}

	_, err := tx.ExecContext(ctx, `update posts set `+column+` = ? where id = ?`, remote, postID)
	return err
}
