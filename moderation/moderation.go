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

// Package moderation answers "can A interact with B?" from per-account and
// per-domain blocks, and maintains both block kinds.
package moderation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/events"
)

// ErrCannotInteract is returned when a block in either direction forbids an
// interaction.
var ErrCannotInteract = errors.New("cannot interact")

type Service struct {
	DB  *sql.DB
	Bus *events.Bus
}

// BlockedEvent is emitted when an account blocks another.
type BlockedEvent struct {
	Blocker *account.Account
	Blocked *account.Account
}

// CanInteract reports whether no block exists between the two accounts, in
// either direction, including domain blocks.
func (s *Service) CanInteract(ctx context.Context, viewerID, targetID int64) (bool, error) {
	var blocked int
	if err := s.DB.QueryRowContext(
		ctx,
		`select exists (
			select 1 from blocks where (blocker_id = $1 and blocked_id = $2) or (blocker_id = $2 and blocked_id = $1)
			union
			select 1 from domain_blocks join accounts on accounts.id = $2 where domain_blocks.blocker_id = $1 and domain_blocks.domain_hash = accounts.domain_hash
			union
			select 1 from domain_blocks join accounts on accounts.id = $1 where domain_blocks.blocker_id = $2 and domain_blocks.domain_hash = accounts.domain_hash
		)`,
		viewerID,
		targetID,
	).Scan(&blocked); err != nil {
		return false, fmt.Errorf("failed to check blocks between %d and %d: %w", viewerID, targetID, err)
	}

	return blocked == 0, nil
}

// Require returns [ErrCannotInteract] unless the interaction is allowed.
func (s *Service) Require(ctx context.Context, viewerID, targetID int64) error {
	ok, err := s.CanInteract(ctx, viewerID, targetID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCannotInteract
	}
	return nil
}

// Block records a block, severs follow edges in both directions and emits
// account.blocked so the bridge can reject an external follower.
func (s *Service) Block(ctx context.Context, blocker, blocked *account.Account) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `insert or ignore into blocks(blocker_id, blocked_id) values(?, ?)`, blocker.ID, blocked.ID); err != nil {
		return fmt.Errorf("failed to block %d by %d: %w", blocked.ID, blocker.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `delete from follows where (follower_id = $1 and following_id = $2) or (follower_id = $2 and following_id = $1)`, blocker.ID, blocked.ID); err != nil {
		return fmt.Errorf("failed to sever follows between %d and %d: %w", blocker.ID, blocked.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return s.Bus.Emit(ctx, events.AccountBlocked, &BlockedEvent{Blocker: blocker, Blocked: blocked})
}

// Unblock removes a block.
func (s *Service) Unblock(ctx context.Context, blocker, blocked *account.Account) error {
	if _, err := s.DB.ExecContext(ctx, `delete from blocks where blocker_id = ? and blocked_id = ?`, blocker.ID, blocked.ID); err != nil {
		return fmt.Errorf("failed to unblock %d by %d: %w", blocked.ID, blocker.ID, err)
	}
	return nil
}

// BlockDomain blocks every account on a domain.
func (s *Service) BlockDomain(ctx context.Context, blocker *account.Account, domain string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	hash := ap.DomainHash(domain)

	if _, err := tx.ExecContext(ctx, `insert or ignore into domain_blocks(blocker_id, domain_hash) values(?, ?)`, blocker.ID, hash); err != nil {
		return fmt.Errorf("failed to block domain %s by %d: %w", domain, blocker.ID, err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`delete from follows where exists (select 1 from accounts where accounts.domain_hash = $1 and ((accounts.id = follows.follower_id and follows.following_id = $2) or (accounts.id = follows.following_id and follows.follower_id = $2)))`,
		hash,
		blocker.ID,
	); err != nil {
		return fmt.Errorf("failed to sever follows for domain %s: %w", domain, err)
	}

	return tx.Commit()
}

// UnblockDomain removes a domain block.
func (s *Service) UnblockDomain(ctx context.Context, blocker *account.Account, domain string) error {
	if _, err := s.DB.ExecContext(ctx, `delete from domain_blocks where blocker_id = ? and domain_hash = ?`, blocker.ID, ap.DomainHash(domain)); err != nil {
		return fmt.Errorf("failed to unblock domain %s by %d: %w", domain, blocker.ID, err)
	}
	return nil
}
