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

package outbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/post"
)

// WebhookHandler receives publishing events from the CMS and turns them into
// posts and activities.
type WebhookHandler struct {
	Domain   string
	Config   *cfg.Config
	Accounts *account.Service
	Posts    *post.Service
	Outbox   *Service
}

// Mount attaches the webhook routes.
func (h *WebhookHandler) Mount(r chi.Router) {
	r.Post("/webhooks/post/published", h.postPublished)
	r.Post("/webhooks/post/unpublished", h.postUnpublished)
	r.Post("/webhooks/post/updated", h.postUpdated)
	r.Post("/webhooks/post/deleted", h.postDeleted)
	r.Post("/webhooks/site/changed", h.siteChanged)
}

var errBadSignature = errors.New("invalid webhook signature")

// verify checks the x-ghost-signature header: an HMAC-SHA256 of the body
// concatenated with a millisecond timestamp, which must be recent.
func (h *WebhookHandler) verify(r *http.Request, secret string, body []byte) error {
	header := r.Header.Get("X-Ghost-Signature")
	if header == "" {
		return errBadSignature
	}

	var sig, ts string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "sha256="); ok {
			sig = rest
		} else if rest, ok := strings.CutPrefix(part, "t="); ok {
			ts = rest
		}
	}
	if sig == "" || ts == "" {
		return errBadSignature
	}

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errBadSignature
	}
	if skew := time.Since(time.UnixMilli(ms)); skew > h.Config.WebhookMaxSkew || skew < -h.Config.WebhookMaxSkew {
		return errBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))

	expected, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(mac.Sum(nil), expected) {
		return errBadSignature
	}

	return nil
}

// sourceAllowed enforces the optional list of CMS addresses allowed to call
// webhooks. An empty list admits any source.
func (h *WebhookHandler) sourceAllowed(r *http.Request) bool {
	if len(h.Config.GhostProAddresses) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return slices.Contains(h.Config.GhostProAddresses, host)
}

// parse authenticates the request and returns the decoded payload and the
// site's default account.
func (h *WebhookHandler) parse(w http.ResponseWriter, r *http.Request, payload any) (*account.Account, bool) {
	ctx := r.Context()

	if !h.sourceAllowed(r) {
		slog.WarnContext(ctx, "Rejecting webhook from unlisted address", "path", r.URL.Path, "addr", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return nil, false
	}

	site, err := h.Accounts.SiteByHost(ctx, h.Domain)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load site", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.Config.MaxRequestBodySize))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	if err := h.verify(r, site.WebhookSecret, body); err != nil {
		slog.WarnContext(ctx, "Rejecting webhook", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}

	if err := json.Unmarshal(body, payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	a, err := h.Accounts.DefaultAccount(ctx, site)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load site account", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}

	return a, true
}

type webhookPost struct {
	UUID          string  `json:"uuid"`
	Title         string  `json:"title"`
	HTML          string  `json:"html"`
	Excerpt       string  `json:"excerpt"`
	CustomExcerpt string  `json:"custom_excerpt"`
	FeatureImage  string  `json:"feature_image"`
	URL           string  `json:"url"`
	PublishedAt   ap.Time `json:"published_at"`
	Visibility    string  `json:"visibility"`
}

type postPayload struct {
	Post struct {
		Current webhookPost `json:"current"`
	} `json:"post"`
}

func (p *webhookPost) params() post.ArticleParams {
	excerpt := p.CustomExcerpt
	if excerpt == "" {
		excerpt = p.Excerpt
	}

	audience := post.AudiencePublic
	if p.Visibility != "" && p.Visibility != "public" {
		audience = post.AudienceFollowersOnly
	}

	return post.ArticleParams{
		UUID:        p.UUID,
		Title:       p.Title,
		Content:     p.HTML,
		Excerpt:     excerpt,
		URL:         p.URL,
		ImageURL:    p.FeatureImage,
		Audience:    audience,
		PublishedAt: p.PublishedAt.Time,
	}
}

func (h *WebhookHandler) postPublished(w http.ResponseWriter, r *http.Request) {
	var payload postPayload
	author, ok := h.parse(w, r, &payload)
	if !ok {
		return
	}

	if payload.Post.Current.UUID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if _, err := h.Posts.CreateArticle(r.Context(), author, payload.Post.Current.params()); err != nil {
		slog.ErrorContext(r.Context(), "Failed to publish article", "uuid", payload.Post.Current.UUID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) postUpdated(w http.ResponseWriter, r *http.Request) {
	var payload postPayload
	author, ok := h.parse(w, r, &payload)
	if !ok {
		return
	}

	current := payload.Post.Current
	if current.UUID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	iri := ap.ObjectID(h.Domain, "article", current.UUID)

	p, err := h.Posts.UpdateArticle(r.Context(), author, iri, current.params())
	if errors.Is(err, post.ErrNotFound) {
		// edited before ever being published, nothing to update
		w.WriteHeader(http.StatusOK)
		return
	} else if err != nil {
		slog.ErrorContext(r.Context(), "Failed to update article", "uuid", current.UUID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if err := h.Outbox.Update(r.Context(), p); err != nil {
		slog.ErrorContext(r.Context(), "Failed to federate article update", "uuid", current.UUID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) unpublish(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Post struct {
			Current  webhookPost `json:"current"`
			Previous webhookPost `json:"previous"`
		} `json:"post"`
	}
	author, ok := h.parse(w, r, &payload)
	if !ok {
		return
	}

	id := payload.Post.Current.UUID
	if id == "" {
		id = payload.Post.Previous.UUID
	}
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.Posts.DeleteByApId(r.Context(), author, ap.ObjectID(h.Domain, "article", id)); err != nil {
		slog.ErrorContext(r.Context(), "Failed to unpublish article", "uuid", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) postUnpublished(w http.ResponseWriter, r *http.Request) {
	h.unpublish(w, r)
}

func (h *WebhookHandler) postDeleted(w http.ResponseWriter, r *http.Request) {
	h.unpublish(w, r)
}

func (h *WebhookHandler) siteChanged(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Site struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Icon        string `json:"icon"`
			CoverImage  string `json:"cover_image"`
		} `json:"site"`
	}
	a, ok := h.parse(w, r, &payload)
	if !ok {
		return
	}

	patch := account.ProfilePatch{}
	if payload.Site.Title != "" {
		patch.Name = &payload.Site.Title
	}
	if payload.Site.Description != "" {
		patch.Bio = &payload.Site.Description
	}
	if payload.Site.Icon != "" {
		patch.AvatarURL = &payload.Site.Icon
	}
	if payload.Site.CoverImage != "" {
		patch.BannerImageURL = &payload.Site.CoverImage
	}

	if err := h.Accounts.UpdateProfile(r.Context(), a, patch); err != nil {
		slog.ErrorContext(r.Context(), "Failed to update site profile", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
