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

// Package admin is the authenticated REST surface the publishing platform's
// admin UI talks to: social actions, feed and notification reads, profile
// and moderation management.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/feed"
	"github.com/fedpress/fedpress/moderation"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/outbox"
	"github.com/fedpress/fedpress/post"
	"github.com/go-chi/chi/v5"
)

// Service handles admin requests on behalf of the site's default account.
type Service struct {
	Domain        string
	Config        *cfg.Config
	DB            *sql.DB
	Accounts      *account.Service
	Posts         *post.Service
	Feeds         *feed.Service
	Outbox        *outbox.Service
	Moderation    *moderation.Service
	Notifications *notification.Service
	Resolver      *fed.Resolver
	Log           *slog.Logger

	keys keyCache
}

// Mount attaches the admin routes. Every route requires an admin token.
func (s *Service) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.require)

		r.Post("/actions/follow/{handle}", s.handleFollow)
		r.Delete("/actions/follow/{handle}", s.handleUnfollow)
		r.Post("/actions/like/{id}", s.handleLike)
		r.Delete("/actions/like/{id}", s.handleUnlike)
		r.Post("/actions/repost/{id}", s.handleRepost)
		r.Delete("/actions/repost/{id}", s.handleDerepost)
		r.Post("/actions/note", s.handleNote)
		r.Post("/actions/reply/{id}", s.handleReply)
		r.Delete("/post/{id}", s.handleDeletePost)

		r.Post("/actions/block/domain/{domain}", s.handleBlockDomain)
		r.Delete("/actions/block/domain/{domain}", s.handleUnblockDomain)
		r.Post("/actions/block/{id}", s.handleBlock)
		r.Delete("/actions/block/{id}", s.handleUnblock)

		r.Get("/feed/notes", s.handleFeed(ap.Note))
		r.Get("/feed/reader", s.handleFeed(ap.Article))
		r.Get("/thread/{id}", s.handleThread)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/notifications/unread/count", s.handleUnreadCount)
		r.Get("/search", s.handleSearch)

		r.Get("/account/me", s.handleAccount)
		r.Put("/account", s.handleUpdateAccount)
		r.Get("/account/{handle}/follows/{type}", s.handleFollows)
	})
}

// require is the authentication middleware.
func (s *Service) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actor returns the site's default account, which all admin actions act as.
func (s *Service) actor(ctx context.Context) (*account.Account, error) {
	site, err := s.Accounts.SiteByHost(ctx, s.Domain)
	if err != nil {
		return nil, err
	}
	return s.Accounts.DefaultAccount(ctx, site)
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.Warn("Failed to write response", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, moderation.ErrCannotInteract):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, fed.ErrNotFound), errors.Is(err, post.ErrNotFound), errors.Is(err, account.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, post.ErrAlreadyReposted):
		w.WriteHeader(http.StatusConflict)
	case errors.Is(err, post.ErrNotAPost), errors.Is(err, post.ErrMissingAuthor):
		w.WriteHeader(http.StatusUnprocessableEntity)
	default:
		s.Log.Error("Admin request failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// pathIRI decodes the {id} route parameter, a URL-encoded ActivityPub ID.
func pathIRI(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "id"))
}

type accountDTO struct {
	ID             string `json:"id"`
	Handle         string `json:"handle"`
	Name           string `json:"name"`
	Bio            string `json:"bio"`
	URL            string `json:"url"`
	AvatarURL      string `json:"avatarUrl"`
	BannerImageURL string `json:"bannerImageUrl"`
	FollowedByMe   bool   `json:"followedByMe,omitempty"`
}

func accountJSON(a *account.Account) accountDTO {
	return accountDTO{
		ID:             a.APID,
		Handle:         a.Handle(),
		Name:           a.Name,
		Bio:            a.Bio,
		URL:            a.URL,
		AvatarURL:      a.AvatarURL,
		BannerImageURL: a.BannerImageURL,
	}
}

type postDTO struct {
	ID                 string      `json:"id"`
	Type               string      `json:"type"`
	Title              string      `json:"title"`
	Excerpt            string      `json:"excerpt"`
	Content            string      `json:"content"`
	URL                string      `json:"url"`
	FeatureImageURL    string      `json:"featureImageUrl,omitempty"`
	PublishedAt        time.Time   `json:"publishedAt"`
	LikeCount          int64       `json:"likeCount"`
	RepostCount        int64       `json:"repostCount"`
	ReplyCount         int64       `json:"replyCount"`
	ReadingTimeMinutes int         `json:"readingTimeMinutes"`
	Author             accountDTO  `json:"author"`
	RepostedBy         *accountDTO `json:"repostedBy,omitempty"`
	LikedByMe          bool        `json:"likedByMe"`
	RepostedByMe       bool        `json:"repostedByMe"`
}

func (s *Service) postJSON(p *post.Post, viewer *account.Account, repostedBy *account.Account) postDTO {
	dto := postDTO{
		ID:                 p.APID,
		Type:               string(p.Type),
		Title:              p.Title,
		Excerpt:            p.Excerpt,
		Content:            p.Content,
		URL:                p.URL,
		FeatureImageURL:    p.ImageURL,
		PublishedAt:        p.PublishedAt,
		LikeCount:          p.LikeCount,
		RepostCount:        p.RepostCount,
		ReplyCount:         p.ReplyCount,
		ReadingTimeMinutes: p.ReadingTimeMinutes,
		Author:             accountJSON(p.Author),
		LikedByMe:          p.LikedBy(viewer.ID),
		RepostedByMe:       p.RepostedBy(viewer.ID),
	}
	if repostedBy != nil {
		reposter := accountJSON(repostedBy)
		dto.RepostedBy = &reposter
	}
	return dto
}
