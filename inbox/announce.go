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

package inbox

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/post"
	"github.com/fedpress/fedpress/proof"
)

// announce records a repost. A group actor announcing a wrapped Create is
// unwrapped first: the wrapped post is admitted if it carries a valid
// integrity proof, otherwise the authoritative copy is fetched instead.
func (p *Processor) announce(ctx context.Context, activity *ap.Activity, raw json.RawMessage) error {
	if inner, ok := activity.Object.(*ap.Activity); ok {
		return p.announceCreate(ctx, activity, inner, raw)
	}

	announcer, err := p.Accounts.EnsureByAPID(ctx, activity.Actor)
	if err != nil {
		return err
	}

	target, err := p.Posts.GetByApId(ctx, activity.ObjectID())
	if errors.Is(err, fed.ErrNotFound) || errors.Is(err, post.ErrNotAPost) || errors.Is(err, post.ErrMissingAuthor) {
		slog.WarnContext(ctx, "Dropping announce of unreachable post", "activity", activity.ID, "object", activity.ObjectID(), "error", err)
		return nil
	} else if err != nil {
		return err
	}

	if ok, err := p.canInteract(ctx, announcer, target.Author); err != nil {
		return err
	} else if !ok {
		slog.DebugContext(ctx, "Dropping announce from blocked account", "activity", activity.ID, "announcer", announcer.APID)
		return nil
	}

	if err := target.AddRepost(announcer.ID); errors.Is(err, post.ErrAlreadyReposted) {
		return nil
	}

	if err := p.Posts.Repo.Save(ctx, target); err != nil {
		return err
	}

	if target.Author.IsInternal() {
		p.notify(ctx, target.Author, notification.Repost, announcer, target.ID, 0)
	}

	return nil
}

// announceCreate handles a group forwarding a member's post as a wrapped
// Create. Only groups some user here follows are listened to.
func (p *Processor) announceCreate(ctx context.Context, activity, inner *ap.Activity, raw json.RawMessage) error {
	announcer, err := p.Accounts.EnsureByAPID(ctx, activity.Actor)
	if err != nil {
		return err
	}

	if announcer.Type != ap.Group {
		slog.DebugContext(ctx, "Dropping announced create from non-group actor", "activity", activity.ID, "announcer", announcer.APID)
		return nil
	}

	followed, err := p.followedHere(ctx, announcer)
	if err != nil {
		return err
	}
	if !followed {
		slog.DebugContext(ctx, "Dropping announced create from unfollowed group", "activity", activity.ID, "announcer", announcer.APID)
		return nil
	}

	o, ok := inner.Object.(*ap.Object)
	if !ok {
		slog.WarnContext(ctx, "Dropping announced create without embedded object", "activity", activity.ID)
		return nil
	}

	var target *post.Post
	if p.verifyEmbedded(ctx, inner, raw) {
		target, err = p.Posts.StoreObject(ctx, o)
	} else {
		// the embedded copy is unproven, use the authoritative one
		target, err = p.Posts.GetByApId(ctx, o.ID)
	}
	if errors.Is(err, fed.ErrNotFound) || errors.Is(err, post.ErrNotAPost) || errors.Is(err, post.ErrMissingAuthor) {
		slog.WarnContext(ctx, "Dropping announced create", "activity", activity.ID, "object", o.ID, "error", err)
		return nil
	} else if err != nil {
		return err
	}

	if err := target.AddRepost(announcer.ID); errors.Is(err, post.ErrAlreadyReposted) {
		return nil
	}

	return p.Posts.Repo.Save(ctx, target)
}

// verifyEmbedded checks the integrity proof on the wrapped activity, against
// the raw bytes as received. The proof must verify against a key the inner
// activity's author advertises, not whatever key the proof names.
func (p *Processor) verifyEmbedded(ctx context.Context, inner *ap.Activity, raw json.RawMessage) bool {
	if inner.Proof.IsZero() {
		return false
	}

	author, err := p.Accounts.Resolver.LookupActor(ctx, inner.Actor)
	if err != nil {
		slog.DebugContext(ctx, "Cannot resolve author of announced create", "activity", inner.ID, "actor", inner.Actor, "error", err)
		return false
	}

	key, err := assertionKey(author, inner.Proof.VerificationMethod)
	if err != nil {
		slog.DebugContext(ctx, "Cannot verify proof", "activity", inner.ID, "error", err)
		return false
	}

	var outer struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil || len(outer.Object) == 0 {
		return false
	}

	var innerContext struct {
		Context any `json:"@context"`
	}
	if err := json.Unmarshal(outer.Object, &innerContext); err != nil {
		return false
	}

	if err := proof.Verify(key, inner.Proof, innerContext.Context, outer.Object); err != nil {
		slog.DebugContext(ctx, "Proof verification failed", "activity", inner.ID, "error", err)
		return false
	}

	return true
}

// assertionKey returns the Ed25519 key the actor advertises under keyID.
func assertionKey(actor *ap.Actor, keyID string) (ed25519.PublicKey, error) {
	for _, k := range actor.AssertionMethod {
		if k.ID == keyID && k.Type == "Multikey" && k.Controller == actor.ID {
			return proof.DecodeKey(k.PublicKeyMultibase)
		}
	}

	return nil, fmt.Errorf("%s does not advertise %s", actor.ID, keyID)
}

// followedHere reports whether any user of this site follows the account.
func (p *Processor) followedHere(ctx context.Context, a *account.Account) (bool, error) {
	var followed bool
	if err := p.DB.QueryRowContext(
		ctx,
		`select exists (select 1 from follows join users on users.account_id = follows.follower_id where follows.following_id = ?)`,
		a.ID,
	).Scan(&followed); err != nil {
		return false, fmt.Errorf("failed to check follows of %s: %w", a.APID, err)
	}

	return followed, nil
}
