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

// Package inbox processes activities received from other servers.
package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/data"
	"github.com/fedpress/fedpress/moderation"
	"github.com/fedpress/fedpress/mq"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/outbox"
	"github.com/fedpress/fedpress/post"
)

// Processor consumes received activities off the queue and applies them.
type Processor struct {
	Domain        string
	Config        *cfg.Config
	DB            *sql.DB
	Store         data.Store
	Accounts      *account.Service
	Posts         *post.Service
	Moderation    *moderation.Service
	Outbox        *outbox.Service
	Notifications *notification.Service

	// BlockList is the optional server-wide domain deny list.
	BlockList *moderation.BlockList
}

// Register subscribes the processor to the inbox topic.
func (p *Processor) Register(q *mq.Queue) {
	q.Handle(mq.InboxTopic, p.handleMessage)
}

func (p *Processor) handleMessage(ctx context.Context, payload json.RawMessage) error {
	var m mq.InboxMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		slog.WarnContext(ctx, "Dropping malformed message", "error", err)
		return nil
	}

	var activity ap.Activity
	if err := json.Unmarshal(m.Body, &activity); err != nil {
		slog.WarnContext(ctx, "Dropping malformed activity", "error", err)
		return nil
	}

	if err := ap.ValidateOrigin(&activity, m.Origin); err != nil {
		slog.WarnContext(ctx, "Dropping invalid activity", "activity", activity.ID, "origin", m.Origin, "error", err)
		return nil
	}

	if p.BlockList.Contains(m.Origin) {
		slog.DebugContext(ctx, "Dropping activity from denied domain", "activity", activity.ID, "origin", m.Origin)
		return nil
	}

	blocked, err := p.domainBlocked(ctx, m.Origin)
	if err != nil {
		return err
	}
	if blocked {
		slog.DebugContext(ctx, "Dropping activity from blocked domain", "activity", activity.ID, "origin", m.Origin)
		return nil
	}

	// keep the raw document as it arrived
	if err := p.Store.Set(ctx, activity.ID, m.Body); err != nil {
		slog.WarnContext(ctx, "Failed to persist activity", "activity", activity.ID, "error", err)
	}

	return p.ProcessActivity(ctx, &activity, m.Body)
}

// invalidate drops the cached copy of an edited or deleted document.
func (p *Processor) invalidate(ctx context.Context, iri string) {
	if err := p.Store.Delete(ctx, iri); err != nil {
		slog.WarnContext(ctx, "Failed to drop cached document", "iri", iri, "error", err)
	}
}

// domainBlocked reports whether any user of this site blocks the domain.
func (p *Processor) domainBlocked(ctx context.Context, domain string) (bool, error) {
	var blocked bool
	if err := p.DB.QueryRowContext(
		ctx,
		`select exists (select 1 from domain_blocks join users on users.account_id = domain_blocks.blocker_id where domain_blocks.domain_hash = ?)`,
		ap.DomainHash(domain),
	).Scan(&blocked); err != nil {
		return false, fmt.Errorf("failed to check blocks on %s: %w", domain, err)
	}

	return blocked, nil
}

// ProcessActivity applies one validated activity. Activities this server has
// no use for are dropped, not retried.
func (p *Processor) ProcessActivity(ctx context.Context, activity *ap.Activity, raw json.RawMessage) error {
	slog.InfoContext(ctx, "Processing activity", "activity", activity.ID, "type", activity.Type, "actor", activity.Actor)

	switch activity.Type {
	case ap.Follow:
		return p.follow(ctx, activity)

	case ap.Accept:
		return p.accept(ctx, activity)

	case ap.Reject:
		slog.InfoContext(ctx, "Follow request was rejected", "activity", activity.ID, "actor", activity.Actor)
		return nil

	case ap.Create:
		return p.create(ctx, activity)

	case ap.Update:
		return p.update(ctx, activity)

	case ap.Delete:
		return p.delete(ctx, activity)

	case ap.Like:
		return p.like(ctx, activity)

	case ap.Announce:
		return p.announce(ctx, activity, raw)

	case ap.Undo:
		return p.undo(ctx, activity)

	default:
		slog.WarnContext(ctx, "Dropping unsupported activity", "activity", activity.ID, "type", activity.Type)
		return nil
	}
}

// canInteract drops activities between blocked accounts without retry.
func (p *Processor) canInteract(ctx context.Context, a, b *account.Account) (bool, error) {
	ok, err := p.Moderation.CanInteract(ctx, a.ID, b.ID)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// notify records a notification, never failing the activity over it.
func (p *Processor) notify(ctx context.Context, target *account.Account, t notification.Type, actor *account.Account, postID, inReplyTo int64) {
	if err := p.Notifications.Add(ctx, target, t, actor, postID, inReplyTo); err != nil {
		slog.WarnContext(ctx, "Failed to record notification", "target", target.APID, "error", err)
	}
}

func internalByID(ctx context.Context, accounts *account.Service, iri string) (*account.Account, error) {
	a, err := accounts.ByAPID(ctx, iri)
	if err != nil {
		return nil, err
	}
	if !a.IsInternal() {
		return nil, account.ErrNotInternal
	}
	return a, nil
}
