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

// Package post implements the post service and repository: authored content,
// its likes and reposts, outbox entries and tombstoning.
package post

import (
	"errors"
	"time"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
)

var (
	ErrNotFound        = errors.New("post not found")
	ErrNotAPost        = errors.New("object is not a post")
	ErrMissingAuthor   = errors.New("post has no author")
	ErrAlreadyReposted = errors.New("already reposted")
	ErrNotAuthor       = errors.New("not the author")
)

// Audience controls who receives a post.
type Audience int

const (
	AudiencePublic Audience = iota
	AudienceFollowersOnly
)

// OutboxType classifies an outbox entry.
type OutboxType int

const (
	OutboxOriginal OutboxType = iota
	OutboxReply
	OutboxRepost
)

// Attachment is a media attachment of a post, kept in document order.
type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url"`
}

// Post is a single authored object: an Article, a Note or the Tombstone a
// deleted one leaves behind.
type Post struct {
	ID                 int64
	UUID               string
	Type               ap.ObjectType
	Audience           Audience
	Title              string
	Excerpt            string
	Summary            string
	Content            string
	URL                string
	ImageURL           string
	PublishedAt        time.Time
	APID               string
	Author             *account.Account
	InReplyTo          int64
	ThreadRoot         int64
	LikeCount          int64
	RepostCount        int64
	ReplyCount         int64
	ReadingTimeMinutes int
	Attachments        []Attachment
	Mentions           []int64
	Metadata           []byte
	DeletedAt          time.Time
	UpdatedAt          time.Time

	// desired membership, diffed against stored rows on save
	likes   map[int64]struct{}
	reposts map[int64]struct{}

	deleted bool
}

func (p *Post) ensureSets() {
	if p.likes == nil {
		p.likes = map[int64]struct{}{}
	}
	if p.reposts == nil {
		p.reposts = map[int64]struct{}{}
	}
}

// IsInternal reports whether the post was authored on this site.
func (p *Post) IsInternal() bool {
	return p.Author != nil && p.Author.IsInternal()
}

// IsDeleted reports whether the post is, or is about to become, a tombstone.
func (p *Post) IsDeleted() bool {
	return p.deleted || !p.DeletedAt.IsZero()
}

// AddLike marks the post as liked by an account.
func (p *Post) AddLike(accountID int64) {
	p.ensureSets()
	p.likes[accountID] = struct{}{}
}

// RemoveLike removes an account's like.
func (p *Post) RemoveLike(accountID int64) {
	p.ensureSets()
	delete(p.likes, accountID)
}

// LikedBy reports whether an account likes the post.
func (p *Post) LikedBy(accountID int64) bool {
	_, ok := p.likes[accountID]
	return ok
}

// AddRepost marks the post as reposted by an account.
func (p *Post) AddRepost(accountID int64) error {
	p.ensureSets()
	if _, dup := p.reposts[accountID]; dup {
		return ErrAlreadyReposted
	}
	p.reposts[accountID] = struct{}{}
	return nil
}

// RemoveRepost removes an account's repost.
func (p *Post) RemoveRepost(accountID int64) {
	p.ensureSets()
	delete(p.reposts, accountID)
}

// RepostedBy reports whether an account reposted the post.
func (p *Post) RepostedBy(accountID int64) bool {
	_, ok := p.reposts[accountID]
	return ok
}

// Delete tombstones the post. Only the author may delete; anyone else is a
// no-op error.
func (p *Post) Delete(deleter *account.Account) error {
	if p.Author == nil || deleter == nil || p.Author.ID != deleter.ID {
		return ErrNotAuthor
	}

	p.deleted = true
	return nil
}
