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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fedpress/fedpress/account"
	"github.com/go-chi/chi/v5"
)

// resolveHandle turns a @user@host handle or an actor IRI into an account.
func (s *Service) resolveHandle(ctx context.Context, handle string) (*account.Account, error) {
	if strings.HasPrefix(handle, "https://") || strings.HasPrefix(handle, "http://") {
		return s.Accounts.EnsureByAPID(ctx, handle)
	}

	fields := strings.Split(strings.TrimPrefix(handle, "@"), "@")
	if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
		return nil, fmt.Errorf("invalid handle %s", handle)
	}

	if fields[1] == s.Domain {
		return s.Accounts.ByUsername(ctx, fields[0])
	}

	iri, err := s.Resolver.Finger(ctx, fields[0], fields[1])
	if err != nil {
		return nil, err
	}

	return s.Accounts.EnsureByAPID(ctx, iri)
}

func (s *Service) handleFollow(w http.ResponseWriter, r *http.Request) {
	handle, err := url.PathUnescape(chi.URLParam(r, "handle"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	target, err := s.resolveHandle(r.Context(), handle)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Moderation.Require(r.Context(), actor.ID, target.ID); err != nil {
		s.writeError(w, err)
		return
	}

	// the follows row is recorded once the remote end Accepts
	if err := s.Outbox.Follow(r.Context(), actor, target); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, accountJSON(target))
}

func (s *Service) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	handle, err := url.PathUnescape(chi.URLParam(r, "handle"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	target, err := s.resolveHandle(r.Context(), handle)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Outbox.UndoFollow(r.Context(), actor, target); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Accounts.RecordUnfollow(r.Context(), target, actor); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, accountJSON(target))
}

func (s *Service) handleLike(w http.ResponseWriter, r *http.Request) {
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

	p, err := s.Posts.LikeByApId(r.Context(), actor, iri)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, s.postJSON(p, actor, nil))
}

func (s *Service) handleUnlike(w http.ResponseWriter, r *http.Request) {
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

	p, err := s.Posts.UnlikeByApId(r.Context(), actor, iri)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := s.Outbox.UndoLike(r.Context(), actor, p); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, s.postJSON(p, actor, nil))
}

func (s *Service) handleRepost(w http.ResponseWriter, r *http.Request) {
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

	p, err := s.Posts.RepostByApId(r.Context(), actor, iri)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, s.postJSON(p, actor, nil))
}

func (s *Service) handleDerepost(w http.ResponseWriter, r *http.Request) {
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

	p, err := s.Posts.DerepostByApId(r.Context(), actor, iri)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.writeJSON(w, s.postJSON(p, actor, nil))
}

type noteParams struct {
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl"`
}

func (s *Service) handleNote(w http.ResponseWriter, r *http.Request) {
	var params noteParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil || params.Content == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	p, err := s.Posts.CreateNote(r.Context(), actor, params.Content, params.ImageURL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, s.postJSON(p, actor, nil))
}

func (s *Service) handleReply(w http.ResponseWriter, r *http.Request) {
	iri, err := pathIRI(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var params noteParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil || params.Content == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	p, err := s.Posts.CreateReply(r.Context(), actor, iri, params.Content, params.ImageURL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, s.postJSON(p, actor, nil))
}

func (s *Service) handleDeletePost(w http.ResponseWriter, r *http.Request) {
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

	if err := s.Posts.DeleteByApId(r.Context(), actor, iri); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleBlock(w http.ResponseWriter, r *http.Request) {
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

	blocked, err := s.Accounts.EnsureByAPID(r.Context(), iri)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Moderation.Block(r.Context(), actor, blocked); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUnblock(w http.ResponseWriter, r *http.Request) {
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

	blocked, err := s.Accounts.ByAPID(r.Context(), iri)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Moderation.Unblock(r.Context(), actor, blocked); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleBlockDomain(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Moderation.BlockDomain(r.Context(), actor, chi.URLParam(r, "domain")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUnblockDomain(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Moderation.UnblockDomain(r.Context(), actor, chi.URLParam(r, "domain")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
