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

// Package notification records and lists the things that happened to a
// user's content: likes, replies, reposts, follows and mentions.
package notification

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fedpress/fedpress/account"
)

type Type int

const (
	Like Type = iota + 1
	Reply
	Repost
	Follow
	Mention
)

// Notification is one recorded event, annotated with the acting account.
type Notification struct {
	ID        int64
	Type      Type
	Account   *account.Account
	PostID    int64
	InReplyTo int64
	CreatedAt time.Time
}

type Service struct {
	DB       *sql.DB
	Accounts *account.Service
}

// Add records a notification for an internal account's user. Notifications
// for external accounts are silently skipped.
func (s *Service) Add(ctx context.Context, target *account.Account, t Type, actor *account.Account, postID, inReplyTo int64) error {
	if !target.IsInternal() {
		return nil
	}

	if _, err := s.DB.ExecContext(
		ctx,
		`insert into notifications(user_id, event_type, account_id, post_id, in_reply_to_post_id) values (?, ?, ?, ?, ?)`,
		target.UserID,
		t,
		actor.ID,
		sql.NullInt64{Int64: postID, Valid: postID != 0},
		sql.NullInt64{Int64: inReplyTo, Valid: inReplyTo != 0},
	); err != nil {
		return fmt.Errorf("failed to notify %s: %w", target.APID, err)
	}

	return nil
}

// List returns one page of a user's notifications, newest first, and the
// cursor of the next page.
func (s *Service) List(ctx context.Context, a *account.Account, cursor int64, limit int) ([]Notification, int64, error) {
	if !a.IsInternal() {
		return nil, 0, account.ErrNotInternal
	}

	if cursor == 0 {
		cursor = int64(^uint64(0) >> 1)
	}

	rows, err := s.DB.QueryContext(
		ctx,
		`select id, event_type, account_id, ifnull(post_id, 0), ifnull(in_reply_to_post_id, 0), created_at from notifications where user_id = ? and id < ? order by id desc limit ?`,
		a.UserID,
		cursor,
		limit+1,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications of %s: %w", a.APID, err)
	}
	defer rows.Close()

	var page []Notification
	for rows.Next() {
		var n Notification
		var accountID, created int64
		if err := rows.Scan(&n.ID, &n.Type, &accountID, &n.PostID, &n.InReplyTo, &created); err != nil {
			return nil, 0, err
		}
		n.CreatedAt = time.Unix(created, 0)

		actor, err := s.Accounts.ByID(ctx, accountID)
		if err != nil {
			return nil, 0, err
		}
		n.Account = actor

		page = append(page, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var next int64
	if len(page) > limit {
		page = page[:limit]
		next = page[limit-1].ID
	}

	return page, next, nil
}

// UnreadCount returns how many notifications arrived after the given ID.
func (s *Service) UnreadCount(ctx context.Context, a *account.Account, since int64) (int64, error) {
	if !a.IsInternal() {
		return 0, account.ErrNotInternal
	}

	var count int64
	if err := s.DB.QueryRowContext(ctx, `select count(*) from notifications where user_id = ? and id > ?`, a.UserID, since).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}
