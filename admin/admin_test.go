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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/fedtest"
	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminServer struct {
	*fedtest.Server
	router  chi.Router
	signKey jwk.Key
}

// newAdminServer wires the admin surface with the platform's signing key
// already cached, so token checks never leave the process.
func newAdminServer(t *testing.T) *adminServer {
	t.Helper()
	s := fedtest.NewServer(t)

	// a token that fails against the cached keys triggers one refetch
	s.Config.JWKSRetryAttempts = 1
	s.Config.JWKSRetryDelay = time.Millisecond

	svc := &Service{
		Domain:        fedtest.Domain,
		Config:        s.Config,
		DB:            s.DB,
		Accounts:      s.Accounts,
		Posts:         s.Posts,
		Feeds:         s.Feeds,
		Outbox:        s.Outbox,
		Moderation:    s.Moderation,
		Notifications: s.Notifications,
		Log:           slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signKey, err := jwk.FromRaw(priv)
	require.NoError(t, err)
	require.NoError(t, signKey.Set(jwk.KeyIDKey, "admin-test-key"))
	require.NoError(t, signKey.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := signKey.PublicKey()
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	svc.keys.sets = map[string]jwk.Set{fedtest.Domain: set}

	r := chi.NewRouter()
	svc.Mount(r)

	return &adminServer{Server: s, router: r, signKey: signKey}
}

func (s *adminServer) token(t *testing.T, role string) string {
	t.Helper()

	tok, err := jwt.NewBuilder().
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("role", role).
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, s.signKey))
	require.NoError(t, err)
	return string(signed)
}

func (s *adminServer) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	s := newAdminServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/account/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/account/me", "not-a-token", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/v1/account/me", s.token(t, "Contributor"), nil).Code)

	w := s.do(t, http.MethodGet, "/v1/account/me", s.token(t, "Owner"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var me map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, s.Self.APID, me["id"])
	assert.Equal(t, "@index@"+fedtest.Domain, me["handle"])
}

func TestAdminNote(t *testing.T) {
	s := newAdminServer(t)
	token := s.token(t, "Administrator")

	w := s.do(t, http.MethodPost, "/v1/actions/note", token, map[string]any{"content": "<p>hi</p>"})
	require.Equal(t, http.StatusOK, w.Code)

	var p map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "<p>hi</p>", p["content"])
	assert.Equal(t, string(ap.Note), p["type"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/actions/note", token, map[string]any{"content": ""}).Code)
}

func TestAdminBlockGate(t *testing.T) {
	s := newAdminServer(t)
	token := s.token(t, "Owner")
	ctx := context.Background()

	mallory := s.NewActor("remote.example", "mallory")
	note := s.NewObject(mallory, ap.Note, "note-1", "<p>spam</p>")
	noteIRI := url.PathEscape(note.ID)

	w := s.do(t, http.MethodPost, "/v1/actions/block/"+url.PathEscape(mallory.ID), token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/actions/like/"+noteIRI, token, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/actions/repost/"+noteIRI, token, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/actions/reply/"+noteIRI, token, map[string]any{"content": "<p>no</p>"}).Code)

	w = s.do(t, http.MethodDelete, "/v1/actions/block/"+url.PathEscape(mallory.ID), token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/v1/actions/like/"+noteIRI, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var liked map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &liked))
	assert.Equal(t, true, liked["likedByMe"])
	assert.Equal(t, float64(1), liked["likeCount"])

	// the severed state must also be visible without HTTP in between
	blocked, err := s.Accounts.ByAPID(ctx, mallory.ID)
	require.NoError(t, err)
	canInteract, err := s.Moderation.CanInteract(ctx, s.Self.ID, blocked.ID)
	require.NoError(t, err)
	assert.True(t, canInteract)
}

func TestAdminRepostTwice(t *testing.T) {
	s := newAdminServer(t)
	token := s.token(t, "Owner")

	alice := s.NewActor("remote.example", "alice")
	note := s.NewObject(alice, ap.Note, "note-1", "<p>hello</p>")
	target := "/v1/actions/repost/" + url.PathEscape(note.ID)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, target, token, nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, target, token, nil).Code)
}

func TestAdminBlockDomain(t *testing.T) {
	s := newAdminServer(t)
	token := s.token(t, "Owner")

	mallory := s.NewActor("spam.example", "mallory")
	note := s.NewObject(mallory, ap.Note, "note-1", "<p>spam</p>")

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/v1/actions/block/domain/spam.example", token, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/actions/like/"+url.PathEscape(note.ID), token, nil).Code)

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/actions/block/domain/spam.example", token, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/actions/like/"+url.PathEscape(note.ID), token, nil).Code)
}

func TestAdminSearchByIRI(t *testing.T) {
	s := newAdminServer(t)
	token := s.token(t, "Owner")

	alice := s.NewActor("remote.example", "alice")
	note := s.NewObject(alice, ap.Note, "note-1", "<p>hello</p>")

	w := s.do(t, http.MethodGet, "/v1/search?query="+url.QueryEscape(note.ID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Accounts []map[string]any `json:"accounts"`
		Posts    []map[string]any `json:"posts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Posts, 1)
	assert.Equal(t, note.ID, result.Posts[0]["id"])
	assert.Empty(t, result.Accounts)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/search?query=%20", token, nil).Code)
}
