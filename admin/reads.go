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

package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/feed"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/post"
	"github.com/go-chi/chi/v5"
)

func cursorParam(r *http.Request) (int64, error) {
	next := r.URL.Query().Get("next")
	if next == "" {
		return 0, nil
	}
	return strconv.ParseInt(next, 10, 64)
}

func (s *Service) handleFeed(t ap.ObjectType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cursor, err := cursorParam(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		actor, err := s.actor(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}

		entries, next, err := s.Feeds.Get(r.Context(), actor, feed.Options{Type: t, Cursor: cursor})
		if err != nil {
			s.writeError(w, err)
			return
		}

		posts := make([]postDTO, 0, len(entries))
		for _, entry := range entries {
			posts = append(posts, s.postJSON(entry.Post, actor, entry.RepostedBy))
		}

		response := struct {
			Posts []postDTO `json:"posts"`
			Next  string    `json:"next,omitempty"`
		}{Posts: posts}
		if next != 0 {
			response.Next = strconv.FormatInt(next, 10)
		}

		s.writeJSON(w, response)
	}
}

func (s *Service) handleThread(w http.ResponseWriter, r *http.Request) {
	iri, err := pathIRI(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	p, err := s.Posts.GetByApId(r.Context(), iri)
	if err != nil {
		s.writeError(w, err)
		return
	}

	root := p.ThreadRoot
	if root == 0 {
		root = p.ID
	}

	rows, err := s.DB.QueryContext(
		r.Context(),
		`select id from posts where (id = ? or thread_root = ?) and deleted_at is null order by published_at, id`,
		root,
		root,
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			s.writeError(w, err)
			return
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, err)
		return
	}

	posts := make([]postDTO, 0, len(ids))
	for _, id := range ids {
		q, err := s.Posts.Repo.ByID(r.Context(), id)
		if errors.Is(err, post.ErrNotFound) {
			continue
		} else if err != nil {
			s.writeError(w, err)
			return
		}
		posts = append(posts, s.postJSON(q, actor, nil))
	}

	s.writeJSON(w, struct {
		Posts []postDTO `json:"posts"`
	}{Posts: posts})
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	cursor, err := cursorParam(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	notifications, next, err := s.Notifications.List(r.Context(), actor, cursor, s.Config.FeedPageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}

	type notificationDTO struct {
		ID        int64      `json:"id"`
		Type      string     `json:"type"`
		Actor     accountDTO `json:"actor"`
		PostID    int64      `json:"postId,omitempty"`
		InReplyTo int64      `json:"inReplyTo,omitempty"`
		CreatedAt string     `json:"createdAt"`
	}

	items := make([]notificationDTO, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, notificationDTO{
			ID:        n.ID,
			Type:      notificationType(n.Type),
			Actor:     accountJSON(n.Account),
			PostID:    n.PostID,
			InReplyTo: n.InReplyTo,
			CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	response := struct {
		Notifications []notificationDTO `json:"notifications"`
		Next          string            `json:"next,omitempty"`
	}{Notifications: items}
	if next != 0 {
		response.Next = strconv.FormatInt(next, 10)
	}

	s.writeJSON(w, response)
}

func notificationType(t notification.Type) string {
	switch t {
	case notification.Like:
		return "like"
	case notification.Reply:
		return "reply"
	case notification.Repost:
		return "repost"
	case notification.Follow:
		return "follow"
	case notification.Mention:
		return "mention"
	}
	return "unknown"
}

func (s *Service) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		var err error
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	count, err := s.Notifications.UnreadCount(r.Context(), actor, since)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, struct {
		Count int64 `json:"count"`
	}{Count: count})
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := struct {
		Accounts []accountDTO `json:"accounts"`
		Posts    []postDTO    `json:"posts"`
	}{Accounts: []accountDTO{}, Posts: []postDTO{}}

	// an IRI may point at a post, a handle always names an account
	if strings.HasPrefix(query, "https://") || strings.HasPrefix(query, "http://") {
		if p, err := s.Posts.GetByApId(r.Context(), query); err == nil {
			response.Posts = append(response.Posts, s.postJSON(p, actor, nil))
			s.writeJSON(w, response)
			return
		}
	}

	target, err := s.resolveHandle(r.Context(), query)
	if err != nil {
		s.Log.Info("Search found nothing", "query", query, "error", err)
		s.writeJSON(w, response)
		return
	}

	dto := accountJSON(target)
	if dto.FollowedByMe, err = s.Accounts.Follows(r.Context(), actor, target); err != nil {
		s.writeError(w, err)
		return
	}
	response.Accounts = append(response.Accounts, dto)

	s.writeJSON(w, response)
}

func (s *Service) handleAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	followers, err := s.Accounts.FollowerCount(r.Context(), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	following, err := s.Accounts.FollowingCount(r.Context(), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, struct {
		accountDTO
		FollowerCount  int64 `json:"followerCount"`
		FollowingCount int64 `json:"followingCount"`
	}{accountDTO: accountJSON(actor), FollowerCount: followers, FollowingCount: following})
}

func (s *Service) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Name           *string `json:"name"`
		Bio            *string `json:"bio"`
		Username       *string `json:"username"`
		AvatarURL      *string `json:"avatarUrl"`
		BannerImageURL *string `json:"bannerImageUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Accounts.UpdateProfile(r.Context(), actor, account.ProfilePatch{
		Name:           patch.Name,
		Bio:            patch.Bio,
		Username:       patch.Username,
		AvatarURL:      patch.AvatarURL,
		BannerImageURL: patch.BannerImageURL,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, accountJSON(actor))
}

func (s *Service) handleFollows(w http.ResponseWriter, r *http.Request) {
	followType := chi.URLParam(r, "type")
	if followType != "followers" && followType != "following" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	offset := 0
	if raw := r.URL.Query().Get("next"); raw != "" {
		var err error
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	subject := actor
	if handle := chi.URLParam(r, "handle"); handle != "me" {
		if subject, err = s.resolveHandle(r.Context(), handle); err != nil {
			s.writeError(w, err)
			return
		}
	}

	size := s.Config.FollowingPageSize
	page := account.PageOptions{Limit: size + 1, Offset: offset}

	var accounts []*account.Account
	if followType == "followers" {
		accounts, err = s.Accounts.FollowerAccounts(r.Context(), subject, page)
	} else {
		accounts, err = s.Accounts.FollowingAccounts(r.Context(), subject, page)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := struct {
		Accounts []accountDTO `json:"accounts"`
		Next     string       `json:"next,omitempty"`
	}{Accounts: make([]accountDTO, 0, len(accounts))}

	if len(accounts) > size {
		accounts = accounts[:size]
		response.Next = strconv.Itoa(offset + size)
	}

	for _, a := range accounts {
		dto := accountJSON(a)
		if dto.FollowedByMe, err = s.Accounts.Follows(r.Context(), actor, a); err != nil {
			s.writeError(w, err)
			return
		}
		response.Accounts = append(response.Accounts, dto)
	}

	s.writeJSON(w, response)
}
