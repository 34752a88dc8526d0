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

package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/events"
	"github.com/fedpress/fedpress/httpsig"
)

// ActorResolver fetches remote actor documents.
type ActorResolver interface {
	LookupActor(ctx context.Context, iri string) (*ap.Actor, error)
}

// Service manages accounts and follow relationships.
type Service struct {
	DB       *sql.DB
	Domain   string
	Config   *cfg.Config
	Bus      *events.Bus
	Resolver ActorResolver
}

// FollowedEvent is emitted when a follow edge is recorded.
type FollowedEvent struct {
	Follower  *Account
	Following *Account
}

// UnfollowedEvent is emitted when a follow edge is removed.
type UnfollowedEvent struct {
	Follower  *Account
	Following *Account
}

// UpdatedEvent is emitted when an internal account's profile changes.
type UpdatedEvent struct {
	Account *Account
}

// ByID fetches an account by its local ID.
func (s *Service) ByID(ctx context.Context, id int64) (*Account, error) {
	return scanAccount(s.DB.QueryRowContext(ctx, `select `+accountColumns+accountFrom+`where accounts.id = ?`, id))
}

// ByAPID fetches an account by its ActivityPub ID, without network access.
func (s *Service) ByAPID(ctx context.Context, iri string) (*Account, error) {
	return scanAccount(s.DB.QueryRowContext(ctx, `select `+accountColumns+accountFrom+`where accounts.ap_id_hash = ?`, ap.IDHash(iri)))
}

// ByUsername fetches a local account by username.
func (s *Service) ByUsername(ctx context.Context, username string) (*Account, error) {
	return scanAccount(s.DB.QueryRowContext(ctx, `select `+accountColumns+accountFrom+`where accounts.username = ? and accounts.domain = ?`, username, s.Domain))
}

// EnsureByAPID returns the account with the given ActivityPub ID, fetching
// and inserting it if this is the first reference. Idempotent and race-safe:
// colliding inserts fall back to the winning row.
func (s *Service) EnsureByAPID(ctx context.Context, iri string) (*Account, error) {
	if a, err := s.ByAPID(ctx, iri); err == nil {
		return a, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	actor, err := s.Resolver.LookupActor(ctx, iri)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", iri, err)
	}

	return s.insertExternal(ctx, actor)
}

func (s *Service) insertExternal(ctx context.Context, actor *ap.Actor) (*Account, error) {
	if actor.ID == "" || actor.Inbox == "" {
		return nil, fmt.Errorf("%w: no id or inbox", ErrInvalidData)
	}

	u, err := url.Parse(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	username := actor.PreferredUsername
	if username == "" {
		username = u.Host
	}

	if _, err := s.DB.ExecContext(
		ctx,
		`insert into accounts(uuid, username, actor_type, name, bio, url, avatar_url, ap_id, ap_id_hash, ap_inbox, ap_shared_inbox, ap_outbox, ap_followers, ap_following, ap_liked, public_key, domain, domain_hash, updated_at) values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, unixepoch()) on conflict(ap_id_hash) do nothing`,
		uuid.NewString(),
		username,
		actorType(actor),
		actor.Name,
		actor.Summary,
		actor.URL,
		iconURL(actor.Icon),
		actor.ID,
		ap.IDHash(actor.ID),
		actor.Inbox,
		actor.SharedInbox(),
		actor.Outbox,
		actor.Followers,
		actor.Following,
		actor.Liked,
		actor.PublicKey.PublicKeyPem,
		u.Host,
		ap.DomainHash(u.Host),
	); err != nil {
		return nil, fmt.Errorf("failed to insert account %s: %w", actor.ID, err)
	}

	return s.ByAPID(ctx, actor.ID)
}

func iconURL(a *ap.Attachment) string {
	if a == nil {
		return ""
	}
	return a.URL
}

func actorType(actor *ap.Actor) ap.ActorType {
	if actor.Type.IsActor() {
		return actor.Type
	}
	return ap.Person
}

// UpdateFromActor refreshes an external account's columns from a fetched
// actor document.
func (s *Service) UpdateFromActor(ctx context.Context, actor *ap.Actor) error {
	if _, err := s.DB.ExecContext(
		ctx,
		`update accounts set username = ?, actor_type = ?, name = ?, bio = ?, url = ?, avatar_url = ?, ap_inbox = ?, ap_shared_inbox = ?, ap_outbox = ?, ap_followers = ?, ap_following = ?, ap_liked = ?, public_key = ?, updated_at = unixepoch() where ap_id_hash = ?`,
		actor.PreferredUsername,
		actorType(actor),
		actor.Name,
		actor.Summary,
		actor.URL,
		iconURL(actor.Icon),
		actor.Inbox,
		actor.SharedInbox(),
		actor.Outbox,
		actor.Followers,
		actor.Following,
		actor.Liked,
		actor.PublicKey.PublicKeyPem,
		ap.IDHash(actor.ID),
	); err != nil {
		return fmt.Errorf("failed to update account %s: %w", actor.ID, err)
	}

	return nil
}

// ProfilePatch mutates internal account columns; nil fields are untouched.
type ProfilePatch struct {
	Name           *string
	Bio            *string
	Username       *string
	AvatarURL      *string
	BannerImageURL *string
}

// UpdateProfile applies a patch to an internal account and emits
// account.updated.
func (s *Service) UpdateProfile(ctx context.Context, a *Account, patch ProfilePatch) error {
	if !a.IsInternal() {
		return ErrNotInternal
	}

	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&a.Name, patch.Name)
	apply(&a.Bio, patch.Bio)
	apply(&a.Username, patch.Username)
	apply(&a.AvatarURL, patch.AvatarURL)
	apply(&a.BannerImageURL, patch.BannerImageURL)

	if _, err := s.DB.ExecContext(
		ctx,
		`update accounts set name = ?, bio = ?, username = ?, avatar_url = ?, banner_image_url = ?, updated_at = unixepoch() where id = ?`,
		a.Name,
		a.Bio,
		a.Username,
		a.AvatarURL,
		a.BannerImageURL,
		a.ID,
	); err != nil {
		return fmt.Errorf("failed to update account %d: %w", a.ID, err)
	}

	return s.Bus.Emit(ctx, events.AccountUpdated, &UpdatedEvent{Account: a})
}

// Follow records a follow edge and emits account.followed. Duplicate edges
// are ignored.
func (s *Service) Follow(ctx context.Context, follower, following *Account) error {
	res, err := s.DB.ExecContext(
		ctx,
		`insert or ignore into follows(follower_id, following_id) values(?, ?)`,
		follower.ID,
		following.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record follow %d -> %d: %w", follower.ID, following.ID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.DebugContext(ctx, "Follow already recorded", "follower", follower.APID, "following", following.APID)
		return nil
	}

	return s.Bus.Emit(ctx, events.AccountFollowed, &FollowedEvent{Follower: follower, Following: following})
}

// RecordUnfollow removes a follow edge and emits account.unfollowed if the
// edge existed.
func (s *Service) RecordUnfollow(ctx context.Context, following, unfollower *Account) error {
	res, err := s.DB.ExecContext(
		ctx,
		`delete from follows where follower_id = ? and following_id = ?`,
		unfollower.ID,
		following.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record unfollow %d -> %d: %w", unfollower.ID, following.ID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	return s.Bus.Emit(ctx, events.AccountUnfollowed, &UnfollowedEvent{Follower: unfollower, Following: following})
}

// Follows reports whether the follow edge exists.
func (s *Service) Follows(ctx context.Context, follower, following *Account) (bool, error) {
	var exists int
	if err := s.DB.QueryRowContext(ctx, `select exists (select 1 from follows where follower_id = ? and following_id = ?)`, follower.ID, following.ID).Scan(&exists); err != nil {
		return false, err
	}
	return exists == 1, nil
}

// KeyPair returns the signing key of an internal account.
func (s *Service) KeyPair(ctx context.Context, accountID int64) (httpsig.Key, error) {
	a, err := s.ByID(ctx, accountID)
	if err != nil {
		return httpsig.Key{}, err
	}

	if !a.IsInternal() || a.PrivateKeyPem == "" {
		return httpsig.Key{}, ErrNotInternal
	}

	return httpsig.ParsePrivateKey(a.APID+"#main-key", a.PrivateKeyPem)
}

// Snapshot options for collection dispatchers.
type PageOptions struct {
	Limit  int
	Offset int
}

// FollowingAccounts lists accounts the given account follows, newest first.
func (s *Service) FollowingAccounts(ctx context.Context, a *Account, page PageOptions) ([]*Account, error) {
	rows, err := s.DB.QueryContext(
		ctx,
		`select `+accountColumns+accountFrom+`join follows on follows.following_id = accounts.id where follows.follower_id = ? order by follows.created_at desc, accounts.id desc limit ? offset ?`,
		a.ID,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list following of %d: %w", a.ID, err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

// FollowerAccounts lists accounts following the given account.
func (s *Service) FollowerAccounts(ctx context.Context, a *Account, page PageOptions) ([]*Account, error) {
	rows, err := s.DB.QueryContext(
		ctx,
		`select `+accountColumns+accountFrom+`join follows on follows.follower_id = accounts.id where follows.following_id = ? order by follows.created_at desc, accounts.id desc limit ? offset ?`,
		a.ID,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers of %d: %w", a.ID, err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]*Account, error) {
	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// FollowerCount returns the number of followers of an account.
func (s *Service) FollowerCount(ctx context.Context, a *Account) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `select count(*) from follows where following_id = ?`, a.ID).Scan(&n)
	return n, err
}

// FollowingCount returns the number of accounts an account follows.
func (s *Service) FollowingCount(ctx context.Context, a *Account) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `select count(*) from follows where follower_id = ?`, a.ID).Scan(&n)
	return n, err
}

// FollowerInboxes returns the distinct delivery inboxes of an account's
// external followers, preferring shared inboxes.
func (s *Service) FollowerInboxes(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := s.DB.QueryContext(
		ctx,
		`select distinct case when ifnull(accounts.ap_shared_inbox, '') != '' then accounts.ap_shared_inbox else accounts.ap_inbox end from accounts join follows on follows.follower_id = accounts.id where follows.following_id = ? and accounts.domain != ?`,
		accountID,
		s.Domain,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list follower inboxes of %d: %w", accountID, err)
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		if inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}

	return inboxes, rows.Err()
}
