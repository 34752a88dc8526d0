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

// Package outbox turns domain events into activities and queues their
// delivery to remote inboxes.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/data"
	"github.com/fedpress/fedpress/events"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/moderation"
	"github.com/fedpress/fedpress/mq"
	"github.com/fedpress/fedpress/post"
)

const activityContext = "https://www.w3.org/ns/activitystreams"

// Service builds, persists and queues outgoing activities. Every built
// activity is stored by IRI so remote servers can dereference it later.
type Service struct {
	Domain   string
	Config   *cfg.Config
	Store    data.Store
	Queue    *mq.Queue
	Bus      *events.Bus
	Accounts *account.Service
	Resolver *fed.Resolver
}

// delivery is one queued activity-to-inbox pair.
type delivery struct {
	ActivityID string `json:"activityId"`
	From       int64  `json:"from"`
	Inbox      string `json:"inbox"`
}

func (s *Service) newActivity(t ap.ActivityType, actor string) *ap.Activity {
	return &ap.Activity{
		Context:   activityContext,
		ID:        ap.ObjectID(s.Domain, string(t), uuid.NewString()),
		Type:      t,
		Actor:     actor,
		Published: ap.Time{Time: time.Now()},
	}
}

// persist stores the activity document under its IRI.
func (s *Service) persist(ctx context.Context, a *ap.Activity) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", a.ID, err)
	}

	if err := s.Store.Set(ctx, a.ID, raw); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", a.ID, err)
	}

	return raw, nil
}

// send persists the activity and queues one delivery per inbox.
func (s *Service) send(ctx context.Context, from *account.Account, a *ap.Activity, inboxes []string) error {
	if _, err := s.persist(ctx, a); err != nil {
		return err
	}

	seen := map[string]struct{}{}
	for _, inbox := range inboxes {
		if inbox == "" {
			continue
		}
		if _, dup := seen[inbox]; dup {
			continue
		}
		seen[inbox] = struct{}{}

		if err := s.Queue.Publish(ctx, s.Config.MQTopicName, delivery{ActivityID: a.ID, From: from.ID, Inbox: inbox}); err != nil {
			return err
		}
	}

	slog.DebugContext(ctx, "Queued activity", "activity", a.ID, "type", a.Type, "inboxes", len(seen))
	return nil
}

// followerInboxes returns the distinct inboxes of an account's followers,
// preferring shared inboxes.
func (s *Service) followerInboxes(ctx context.Context, a *account.Account) ([]string, error) {
	inboxes, err := s.Accounts.FollowerInboxes(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inboxes of %s followers: %w", a.APID, err)
	}
	return inboxes, nil
}

func inbox(a *account.Account) string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

// Register subscribes the service to the domain events that produce
// activities.
func (s *Service) Register() {
	s.Bus.Subscribe(events.PostCreated, func(ctx context.Context, event any) error {
		e, ok := event.(*post.CreatedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		if !e.Post.IsInternal() {
			return nil
		}
		return s.Create(ctx, e.Post)
	})

	s.Bus.Subscribe(events.PostDeleted, func(ctx context.Context, event any) error {
		e, ok := event.(*post.DeletedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		if !e.Post.IsInternal() {
			return nil
		}
		return s.Delete(ctx, e.Post)
	})

	s.Bus.Subscribe(events.PostLiked, func(ctx context.Context, event any) error {
		e, ok := event.(*post.LikedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		liker, err := s.Accounts.ByID(ctx, e.AccountID)
		if err != nil {
			return err
		}
		if !liker.IsInternal() || e.Post.IsInternal() {
			return nil
		}
		return s.Like(ctx, liker, e.Post)
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
		if !reposter.IsInternal() {
			return nil
		}
		return s.Announce(ctx, reposter, e.Post)
	})

	s.Bus.Subscribe(events.PostDereposted, func(ctx context.Context, event any) error {
		e, ok := event.(*post.DerepostedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		reposter, err := s.Accounts.ByID(ctx, e.AccountID)
		if err != nil {
			return err
		}
		if !reposter.IsInternal() {
			return nil
		}
		return s.UndoAnnounce(ctx, reposter, e.Post)
	})

	s.Bus.Subscribe(events.AccountUpdated, func(ctx context.Context, event any) error {
		e, ok := event.(*account.UpdatedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		return s.UpdateActor(ctx, e.Account)
	})

	s.Bus.Subscribe(events.AccountBlocked, func(ctx context.Context, event any) error {
		e, ok := event.(*moderation.BlockedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		if !e.Blocker.IsInternal() || e.Blocked.IsInternal() {
			return nil
		}
		return s.RejectFollower(ctx, e.Blocker, e.Blocked)
	})
}

// object converts a post to its wire form.
func (s *Service) object(p *post.Post) *ap.Object {
	o := &ap.Object{
		ID:           p.APID,
		Type:         p.Type,
		AttributedTo: p.Author.APID,
		Name:         p.Title,
		Summary:      p.Summary,
		Content:      p.Content,
		URL:          p.URL,
		Published:    ap.Time{Time: p.PublishedAt},
	}

	if p.Excerpt != "" {
		o.Preview = &ap.Preview{Type: "Note", Content: p.Excerpt}
	}
	if p.ImageURL != "" {
		o.Image = &ap.Attachment{Type: ap.ImageAttachment, URL: p.ImageURL}
	}
	for _, attachment := range p.Attachments {
		o.Attachment = append(o.Attachment, ap.Attachment{
			Type:      ap.AttachmentType(attachment.Type),
			MediaType: attachment.MediaType,
			Name:      attachment.Name,
			URL:       attachment.URL,
		})
	}

	if p.Audience == post.AudiencePublic {
		o.To = ap.NewAudience(ap.Public)
		o.CC = ap.NewAudience(p.Author.Followers)
	} else {
		o.To = ap.NewAudience(p.Author.Followers)
	}

	return o
}

// Create federates a new post to the author's followers and, for replies and
// mentions, to the accounts involved.
func (s *Service) Create(ctx context.Context, p *post.Post) error {
	o := s.object(p)

	a := s.newActivity(ap.Create, p.Author.APID)
	a.To = o.To
	a.CC = o.CC

	inboxes, err := s.followerInboxes(ctx, p.Author)
	if err != nil {
		return err
	}

	for _, mentioned := range p.Mentions {
		m, err := s.Accounts.ByID(ctx, mentioned)
		if err != nil {
			return err
		}
		o.Tag = append(o.Tag, ap.Tag{Type: ap.MentionTag, Name: m.Handle(), Href: m.APID})
		a.CC.Add(m.APID)
		if !m.IsInternal() {
			inboxes = append(inboxes, inbox(m))
		}
	}

	if p.InReplyTo != 0 {
		var parentID, parentAuthor string
		if err := s.Accounts.DB.QueryRowContext(
			ctx,
			`select posts.ap_id, accounts.ap_id from posts join accounts on accounts.id = posts.author_id where posts.id = ?`,
			p.InReplyTo,
		).Scan(&parentID, &parentAuthor); err == nil {
			o.InReplyTo = parentID
			a.CC.Add(parentAuthor)
		} else {
			slog.WarnContext(ctx, "Failed to address parent author", "post", p.APID, "error", err)
		}
	}

	a.Object = o
	return s.send(ctx, p.Author, a, inboxes)
}

// Update federates an edit of an existing post.
func (s *Service) Update(ctx context.Context, p *post.Post) error {
	o := s.object(p)
	o.Updated = ap.Time{Time: time.Now()}

	a := s.newActivity(ap.Update, p.Author.APID)
	a.To = o.To
	a.CC = o.CC
	a.Object = o

	inboxes, err := s.followerInboxes(ctx, p.Author)
	if err != nil {
		return err
	}

	return s.send(ctx, p.Author, a, inboxes)
}

// Delete federates the tombstoning of a post.
func (s *Service) Delete(ctx context.Context, p *post.Post) error {
	a := s.newActivity(ap.Delete, p.Author.APID)
	a.To = ap.NewAudience(ap.Public)
	a.CC = ap.NewAudience(p.Author.Followers)
	a.Object = &ap.Object{ID: p.APID, Type: ap.Tombstone}

	inboxes, err := s.followerInboxes(ctx, p.Author)
	if err != nil {
		return err
	}

	return s.send(ctx, p.Author, a, inboxes)
}

// Like tells a remote author that one of this site's accounts liked their
// post.
func (s *Service) Like(ctx context.Context, liker *account.Account, p *post.Post) error {
	a := s.newActivity(ap.Like, liker.APID)
	a.To = ap.NewAudience(p.Author.APID)
	a.Object = p.APID

	return s.send(ctx, liker, a, []string{inbox(p.Author)})
}

// UndoLike retracts a like.
func (s *Service) UndoLike(ctx context.Context, liker *account.Account, p *post.Post) error {
	if p.Author.IsInternal() {
		return nil
	}

	like := ap.Activity{
		Type:   ap.Like,
		Actor:  liker.APID,
		Object: p.APID,
	}

	a := s.newActivity(ap.Undo, liker.APID)
	a.To = ap.NewAudience(p.Author.APID)
	a.Object = &like

	return s.send(ctx, liker, a, []string{inbox(p.Author)})
}

// Announce federates a repost to the reposter's followers and the post's
// author.
func (s *Service) Announce(ctx context.Context, reposter *account.Account, p *post.Post) error {
	a := s.newActivity(ap.Announce, reposter.APID)
	a.To = ap.NewAudience(ap.Public)
	a.CC = ap.NewAudience(reposter.Followers, p.Author.APID)
	a.Object = p.APID

	inboxes, err := s.followerInboxes(ctx, reposter)
	if err != nil {
		return err
	}
	if !p.Author.IsInternal() {
		inboxes = append(inboxes, inbox(p.Author))
	}

	return s.send(ctx, reposter, a, inboxes)
}

// UndoAnnounce retracts a repost.
func (s *Service) UndoAnnounce(ctx context.Context, reposter *account.Account, p *post.Post) error {
	announce := ap.Activity{
		Type:   ap.Announce,
		Actor:  reposter.APID,
		Object: p.APID,
	}

	a := s.newActivity(ap.Undo, reposter.APID)
	a.To = ap.NewAudience(ap.Public)
	a.CC = ap.NewAudience(reposter.Followers, p.Author.APID)
	a.Object = &announce

	inboxes, err := s.followerInboxes(ctx, reposter)
	if err != nil {
		return err
	}
	if !p.Author.IsInternal() {
		inboxes = append(inboxes, inbox(p.Author))
	}

	return s.send(ctx, reposter, a, inboxes)
}

// UpdateActor federates a profile change to the account's followers.
func (s *Service) UpdateActor(ctx context.Context, a *account.Account) error {
	activity := s.newActivity(ap.Update, a.APID)
	activity.To = ap.NewAudience(ap.Public)
	activity.CC = ap.NewAudience(a.Followers)
	activity.Object = a.Actor()

	inboxes, err := s.followerInboxes(ctx, a)
	if err != nil {
		return err
	}

	return s.send(ctx, a, activity, inboxes)
}

// Accept tells a follower that their follow request was approved.
func (s *Service) Accept(ctx context.Context, followee *account.Account, follow *ap.Activity, follower *account.Account) error {
	a := s.newActivity(ap.Accept, followee.APID)
	a.To = ap.NewAudience(follower.APID)
	if follow.ID != "" {
		a.Object = follow.ID
	} else {
		a.Object = follow
	}

	return s.send(ctx, followee, a, []string{follower.Inbox})
}

// Reject tells a follower that their follow request was refused.
func (s *Service) Reject(ctx context.Context, followee *account.Account, follow *ap.Activity, follower *account.Account) error {
	a := s.newActivity(ap.Reject, followee.APID)
	a.To = ap.NewAudience(follower.APID)
	if follow.ID != "" {
		a.Object = follow.ID
	} else {
		a.Object = follow
	}

	return s.send(ctx, followee, a, []string{follower.Inbox})
}

// RejectFollower severs a follower relationship after a block, so the
// blocked server stops delivering to us.
func (s *Service) RejectFollower(ctx context.Context, blocker, blocked *account.Account) error {
	follow := ap.Activity{
		Type:   ap.Follow,
		Actor:  blocked.APID,
		Object: blocker.APID,
	}

	a := s.newActivity(ap.Reject, blocker.APID)
	a.To = ap.NewAudience(blocked.APID)
	a.Object = &follow

	return s.send(ctx, blocker, a, []string{blocked.Inbox})
}

// Follow asks a remote account to let one of this site's accounts follow it.
// The follow edge is recorded once the remote side accepts.
func (s *Service) Follow(ctx context.Context, follower, target *account.Account) error {
	a := s.newActivity(ap.Follow, follower.APID)
	a.To = ap.NewAudience(target.APID)
	a.Object = target.APID

	return s.send(ctx, follower, a, []string{target.Inbox})
}

// UndoFollow retracts a follow.
func (s *Service) UndoFollow(ctx context.Context, follower, target *account.Account) error {
	follow := ap.Activity{
		Type:   ap.Follow,
		Actor:  follower.APID,
		Object: target.APID,
	}

	a := s.newActivity(ap.Undo, follower.APID)
	a.To = ap.NewAudience(target.APID)
	a.Object = &follow

	return s.send(ctx, follower, a, []string{target.Inbox})
}
