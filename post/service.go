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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/moderation"
)

// ObjectResolver fetches remote post objects.
type ObjectResolver interface {
	LookupObject(ctx context.Context, iri string) (*ap.Object, error)
}

// Service exposes post operations: resolution of remote posts by ID, local
// authoring, likes, reposts and deletion.
type Service struct {
	Repo       *Repository
	Accounts   *account.Service
	Moderation *moderation.Service
	Resolver   ObjectResolver
	Config     *cfg.Config
	Domain     string
}

// ByApId returns the stored post with the given object ID, without network
// access.
func (s *Service) ByApId(ctx context.Context, iri string) (*Post, error) {
	return s.Repo.ByAPID(ctx, iri)
}

// GetByApId returns the post with the given object ID, fetching and storing
// it if this is the first reference. Parents of replies are resolved the same
// way, up the thread, bounded by depth and cycle checks.
func (s *Service) GetByApId(ctx context.Context, iri string) (*Post, error) {
	return s.getByApId(ctx, iri, map[string]struct{}{}, 0)
}

func (s *Service) getByApId(ctx context.Context, iri string, seen map[string]struct{}, depth int) (*Post, error) {
	if p, err := s.Repo.ByAPID(ctx, iri); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if depth >= s.Config.MaxReplyDepth {
		return nil, fmt.Errorf("thread above %s is too deep", iri)
	}
	if _, dup := seen[iri]; dup {
		return nil, fmt.Errorf("thread above %s contains a cycle", iri)
	}
	seen[iri] = struct{}{}

	o, err := s.Resolver.LookupObject(ctx, iri)
	if err != nil {
		return nil, err
	}

	return s.storeObject(ctx, o, seen, depth)
}

// StoreObject stores a remote post object received by push, resolving its
// author and parents as needed.
func (s *Service) StoreObject(ctx context.Context, o *ap.Object) (*Post, error) {
	if p, err := s.Repo.ByAPID(ctx, o.ID); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return s.storeObject(ctx, o, map[string]struct{}{o.ID: {}}, 0)
}

func (s *Service) storeObject(ctx context.Context, o *ap.Object, seen map[string]struct{}, depth int) (*Post, error) {
	if o.Type != ap.Note && o.Type != ap.Article {
		return nil, fmt.Errorf("cannot store %s of type %s: %w", o.ID, o.Type, ErrNotAPost)
	}

	if o.AttributedTo == "" {
		return nil, fmt.Errorf("cannot store %s: %w", o.ID, ErrMissingAuthor)
	}

	author, err := s.Accounts.EnsureByAPID(ctx, o.AttributedTo)
	if err != nil {
		return nil, fmt.Errorf("cannot store %s: %w", o.ID, err)
	}

	p := &Post{
		UUID:        uuid.NewString(),
		Type:        o.Type,
		Title:       o.Name,
		Summary:     o.Summary,
		Content:     o.Content,
		URL:         o.URL,
		APID:        o.ID,
		Author:      author,
		PublishedAt: o.Published.Time,
	}

	if !o.IsPublic() {
		p.Audience = AudienceFollowersOnly
	}
	if o.Preview != nil {
		p.Excerpt = o.Preview.Content
	}
	if p.URL == "" {
		p.URL = o.ID
	}
	if o.Image != nil {
		p.ImageURL = o.Image.URL
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = time.Now()
	}
	if count, ok := o.Likes.Count(); ok {
		p.LikeCount = count
	}
	if count, ok := o.Shares.Count(); ok {
		p.RepostCount = count
	}
	p.ReadingTimeMinutes = readingTime(o.Content)

	for _, attachment := range o.Attachment {
		url := attachment.URL
		if url == "" {
			url = attachment.Href
		}
		if url == "" {
			continue
		}
		p.Attachments = append(p.Attachments, Attachment{
			Type:      string(attachment.Type),
			MediaType: attachment.MediaType,
			Name:      attachment.Name,
			URL:       url,
		})
	}

	for _, tag := range o.Tag {
		if tag.Type != ap.MentionTag || tag.Href == "" {
			continue
		}
		mentioned, err := s.Accounts.EnsureByAPID(ctx, tag.Href)
		if err != nil {
			slog.WarnContext(ctx, "Failed to resolve mention", "post", o.ID, "mention", tag.Href, "error", err)
			continue
		}
		p.Mentions = append(p.Mentions, mentioned.ID)
	}

	if o.InReplyTo != "" {
		parent, err := s.getByApId(ctx, o.InReplyTo, seen, depth+1)
		if err != nil && (errors.Is(err, fed.ErrNotFound) || errors.Is(err, ErrNotAPost) || errors.Is(err, ErrMissingAuthor)) {
			// the parent is unreachable, keep the reply as a top-level post
			slog.WarnContext(ctx, "Failed to resolve parent", "post", o.ID, "parent", o.InReplyTo, "error", err)
		} else if err != nil {
			return nil, fmt.Errorf("cannot store %s: %w", o.ID, err)
		} else {
			p.InReplyTo = parent.ID
			p.ThreadRoot = parent.ThreadRoot
			if p.ThreadRoot == 0 {
				p.ThreadRoot = parent.ID
			}
		}
	}

	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("cannot store %s: %w", o.ID, err)
	}

	return p, nil
}

// ArticleParams describes a published article to federate.
type ArticleParams struct {
	UUID        string
	Title       string
	Content     string
	Excerpt     string
	Summary     string
	URL         string
	ImageURL    string
	Audience    Audience
	PublishedAt time.Time
}

// CreateArticle records an article published by one of this site's accounts.
func (s *Service) CreateArticle(ctx context.Context, author *account.Account, params ArticleParams) (*Post, error) {
	if !author.IsInternal() {
		return nil, account.ErrNotInternal
	}

	id := params.UUID
	if id == "" {
		id = uuid.NewString()
	}

	p := &Post{
		UUID:               id,
		Type:               ap.Article,
		Audience:           params.Audience,
		Title:              params.Title,
		Excerpt:            params.Excerpt,
		Summary:            params.Summary,
		Content:            params.Content,
		URL:                params.URL,
		ImageURL:           params.ImageURL,
		PublishedAt:        params.PublishedAt,
		APID:               ap.ObjectID(s.Domain, "article", id),
		Author:             author,
		ReadingTimeMinutes: readingTime(params.Content),
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = time.Now()
	}

	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// UpdateArticle applies changed article fields to the stored post.
func (s *Service) UpdateArticle(ctx context.Context, author *account.Account, iri string, params ArticleParams) (*Post, error) {
	p, err := s.Repo.ByAPID(ctx, iri)
	if err != nil {
		return nil, err
	}

	if p.Author.ID != author.ID {
		return nil, ErrNotAuthor
	}

	p.Title = params.Title
	p.Excerpt = params.Excerpt
	p.Summary = params.Summary
	p.Content = params.Content
	p.ReadingTimeMinutes = readingTime(params.Content)
	if params.URL != "" {
		p.URL = params.URL
	}
	p.ImageURL = params.ImageURL

	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// CreateNote publishes a short note by one of this site's accounts.
func (s *Service) CreateNote(ctx context.Context, author *account.Account, content, imageURL string) (*Post, error) {
	if !author.IsInternal() {
		return nil, account.ErrNotInternal
	}

	id := uuid.NewString()
	p := &Post{
		UUID:        id,
		Type:        ap.Note,
		Content:     content,
		APID:        ap.ObjectID(s.Domain, "note", id),
		URL:         ap.ObjectID(s.Domain, "note", id),
		ImageURL:    imageURL,
		Author:      author,
		PublishedAt: time.Now(),
	}

	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// CreateReply publishes a reply to another post, local or remote. The author
// must be allowed to interact with the parent's author.
func (s *Service) CreateReply(ctx context.Context, author *account.Account, inReplyTo, content, imageURL string) (*Post, error) {
	if !author.IsInternal() {
		return nil, account.ErrNotInternal
	}

	parent, err := s.GetByApId(ctx, inReplyTo)
	if err != nil {
		return nil, err
	}

	if err := s.Moderation.Require(ctx, author.ID, parent.Author.ID); err != nil {
		return nil, err
	}

	threadRoot := parent.ThreadRoot
	if threadRoot == 0 {
		threadRoot = parent.ID
	}

	id := uuid.NewString()
	p := &Post{
		UUID:        id,
		Type:        ap.Note,
		Content:     content,
		APID:        ap.ObjectID(s.Domain, "note", id),
		URL:         ap.ObjectID(s.Domain, "note", id),
		ImageURL:    imageURL,
		Author:      author,
		InReplyTo:   parent.ID,
		ThreadRoot:  threadRoot,
		PublishedAt: time.Now(),
		Mentions:    []int64{parent.Author.ID},
	}

	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// LikeByApId records a like, resolving the post if needed.
func (s *Service) LikeByApId(ctx context.Context, liker *account.Account, iri string) (*Post, error) {
	p, err := s.GetByApId(ctx, iri)
	if err != nil {
		return nil, err
	}

	if err := s.Moderation.Require(ctx, liker.ID, p.Author.ID); err != nil {
		return nil, err
	}

	p.AddLike(liker.ID)
	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// UnlikeByApId removes a like from a stored post. Unknown posts are a no-op.
func (s *Service) UnlikeByApId(ctx context.Context, liker *account.Account, iri string) (*Post, error) {
	p, err := s.Repo.ByAPID(ctx, iri)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	p.RemoveLike(liker.ID)
	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// RepostByApId records a repost, resolving the post if needed.
func (s *Service) RepostByApId(ctx context.Context, reposter *account.Account, iri string) (*Post, error) {
	p, err := s.GetByApId(ctx, iri)
	if err != nil {
		return nil, err
	}

	if err := s.Moderation.Require(ctx, reposter.ID, p.Author.ID); err != nil {
		return nil, err
	}

	if err := p.AddRepost(reposter.ID); err != nil {
		return nil, err
	}
	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// DerepostByApId removes a repost from a stored post. Unknown posts are a
// no-op.
func (s *Service) DerepostByApId(ctx context.Context, reposter *account.Account, iri string) (*Post, error) {
	p, err := s.Repo.ByAPID(ctx, iri)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	p.RemoveRepost(reposter.ID)
	if err := s.Repo.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// DeleteByApId tombstones a stored post. Deletion by anyone but the author,
// or of an unknown post, is a no-op.
func (s *Service) DeleteByApId(ctx context.Context, deleter *account.Account, iri string) error {
	p, err := s.Repo.ByAPID(ctx, iri)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	if err := p.Delete(deleter); errors.Is(err, ErrNotAuthor) {
		slog.WarnContext(ctx, "Refusing to delete post of another author", "post", iri, "deleter", deleter.APID)
		return nil
	} else if err != nil {
		return err
	}

	return s.Repo.Save(ctx, p)
}

// UpdateFromObject applies a remote edit to the stored copy of a post. The
// sender must be the stored author.
func (s *Service) UpdateFromObject(ctx context.Context, sender string, o *ap.Object) error {
	p, err := s.Repo.ByAPID(ctx, o.ID)
	if err != nil {
		return err
	}

	if ap.CanonicalID(p.Author.APID) != ap.CanonicalID(sender) {
		return fmt.Errorf("refusing update of %s by %s: %w", o.ID, sender, ErrNotAuthor)
	}

	p.Type = o.Type
	p.Title = o.Name
	p.Summary = o.Summary
	p.Content = o.Content
	if o.Preview != nil {
		p.Excerpt = o.Preview.Content
	}
	if o.URL != "" {
		p.URL = o.URL
	}
	if o.Image != nil {
		p.ImageURL = o.Image.URL
	}
	if count, ok := o.Likes.Count(); ok {
		p.LikeCount = count
	}
	if count, ok := o.Shares.Count(); ok {
		p.RepostCount = count
	}
	p.ReadingTimeMinutes = readingTime(o.Content)

	return s.Repo.Save(ctx, p)
}
