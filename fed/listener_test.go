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

package fed_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/fedtest"
	"github.com/fedpress/fedpress/httpsig"
	"github.com/fedpress/fedpress/mq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(s *fedtest.Server) chi.Router {
	l := &fed.Listener{
		Domain:   fedtest.Domain,
		Config:   s.Config,
		DB:       s.DB,
		Store:    s.Store,
		Accounts: s.Accounts,
		Queue:    s.Queue,
		Log:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	return l.Router()
}

func get(r chi.Router, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestWebFinger(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)

	for _, resource := range []string{
		"acct:index@site.example",
		"acct%3Aindex%40site.example",
		url.QueryEscape(s.Self.APID),
	} {
		w := get(r, "/.well-known/webfinger?resource="+resource)
		require.Equal(t, http.StatusOK, w.Code, resource)

		jrd := decode(t, w)
		assert.Equal(t, "acct:index@site.example", jrd["subject"])

		links := jrd["links"].([]any)
		require.NotEmpty(t, links)
		assert.Equal(t, s.Self.APID, links[0].(map[string]any)["href"])
	}

	assert.Equal(t, http.StatusNotFound, get(r, "/.well-known/webfinger?resource=acct:nobody@site.example").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/.well-known/webfinger?resource=acct:index@other.example").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/.well-known/webfinger").Code)
}

func TestActorDocument(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)

	w := get(r, ap.Prefix+"/users/index")
	require.Equal(t, http.StatusOK, w.Code)

	actor := decode(t, w)
	assert.Equal(t, s.Self.APID, actor["id"])
	assert.Equal(t, "index", actor["preferredUsername"])

	key := actor["publicKey"].(map[string]any)
	assert.Equal(t, s.Self.APID+"#main-key", key["id"])
	assert.Contains(t, key["publicKeyPem"], "BEGIN PUBLIC KEY")

	assert.Equal(t, http.StatusNotFound, get(r, ap.Prefix+"/users/nobody").Code)

	// remote accounts are not served under local actor IRIs
	_, err := s.Accounts.EnsureByAPID(context.Background(), s.NewActor("remote.example", "alice").ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get(r, ap.Prefix+"/users/alice").Code)
}

func TestFollowersCollection(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)
	ctx := context.Background()

	w := get(r, ap.Prefix+"/followers/index")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["totalItems"])

	follower, err := s.Accounts.EnsureByAPID(ctx, s.NewActor("remote.example", "alice").ID)
	require.NoError(t, err)
	require.NoError(t, s.Accounts.Follow(ctx, follower, s.Self))

	w = get(r, ap.Prefix+"/followers/index")
	require.Equal(t, http.StatusOK, w.Code)

	c := decode(t, w)
	assert.Equal(t, float64(1), c["totalItems"])
	assert.Equal(t, []any{follower.APID}, c["orderedItems"])
}

func TestFollowingCollection(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)
	ctx := context.Background()

	followed, err := s.Accounts.EnsureByAPID(ctx, s.NewActor("remote.example", "alice").ID)
	require.NoError(t, err)
	require.NoError(t, s.Accounts.Follow(ctx, s.Self, followed))

	w := get(r, ap.Prefix+"/following/index")
	require.Equal(t, http.StatusOK, w.Code)

	c := decode(t, w)
	assert.Equal(t, float64(1), c["totalItems"])
	first := c["first"].(string)

	u, err := url.Parse(first)
	require.NoError(t, err)

	w = get(r, ap.Prefix+"/following/index?"+u.RawQuery)
	require.Equal(t, http.StatusOK, w.Code)

	page := decode(t, w)
	assert.Equal(t, "OrderedCollectionPage", page["type"])
	assert.Equal(t, []any{followed.APID}, page["orderedItems"])
	assert.Nil(t, page["next"])
}

func TestOutboxCollection(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)
	ctx := context.Background()

	p, err := s.Posts.CreateNote(ctx, s.Self, "<p>hello world</p>", "")
	require.NoError(t, err)

	// replies get outbox rows for addressing but stay out of the collection
	_, err = s.Posts.CreateReply(ctx, s.Self, p.APID, "<p>me again</p>", "")
	require.NoError(t, err)

	w := get(r, ap.Prefix+"/outbox/index")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["totalItems"])

	cursor := url.QueryEscape(time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	w = get(r, ap.Prefix+"/outbox/index?cursor="+cursor)
	require.Equal(t, http.StatusOK, w.Code)

	page := decode(t, w)
	items := page["orderedItems"].([]any)
	require.Len(t, items, 1)

	create := items[0].(map[string]any)
	assert.Equal(t, "Create", create["type"])
	assert.Equal(t, s.Self.APID, create["actor"])

	object := create["object"].(map[string]any)
	assert.Equal(t, p.APID, object["id"])
	assert.Equal(t, "<p>hello world</p>", object["content"])
}

func TestPostDocument(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)
	ctx := context.Background()

	p, err := s.Posts.CreateNote(ctx, s.Self, "<p>hello</p>", "")
	require.NoError(t, err)

	path := ap.Prefix + "/note/" + p.UUID
	w := get(r, path)
	require.Equal(t, http.StatusOK, w.Code)

	o := decode(t, w)
	assert.Equal(t, p.APID, o["id"])
	assert.Equal(t, "<p>hello</p>", o["content"])
	assert.Equal(t, s.Self.APID, o["attributedTo"])
	assert.Equal(t, []any{ap.Public}, o["to"])

	require.NoError(t, p.Delete(s.Self))
	require.NoError(t, s.Repo.Save(ctx, p))
	assert.Equal(t, http.StatusGone, get(r, path).Code)

	assert.Equal(t, http.StatusNotFound, get(r, ap.Prefix+"/note/no-such-post").Code)
}

func TestNodeInfo(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)

	w := get(r, "/.well-known/nodeinfo")
	require.Equal(t, http.StatusOK, w.Code)
	links := decode(t, w)["links"].([]any)
	require.Len(t, links, 1)

	href := links[0].(map[string]any)["href"].(string)
	u, err := url.Parse(href)
	require.NoError(t, err)

	_, err = s.Posts.CreateNote(context.Background(), s.Self, "<p>hi</p>", "")
	require.NoError(t, err)

	w = get(r, u.Path)
	require.Equal(t, http.StatusOK, w.Code)

	info := decode(t, w)
	assert.Equal(t, "2.1", info["version"])
	assert.Equal(t, "fedpress", info["software"].(map[string]any)["name"])
	assert.Equal(t, float64(1), info["usage"].(map[string]any)["localPosts"])
}

func newSigner(t *testing.T, s *fedtest.Server, host, username string) (*ap.Actor, httpsig.Key) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	actor := s.NewActor(host, username)
	actor.PublicKey.PublicKeyPem = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	return actor, httpsig.Key{ID: actor.PublicKey.ID, PrivateKey: priv}
}

func TestInboxSigned(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)

	alice, key := newSigner(t, s, "remote.example", "alice")
	body, err := json.Marshal(map[string]any{
		"id":     "https://remote.example/follow/1",
		"type":   "Follow",
		"actor":  alice.ID,
		"object": s.Self.APID,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "https://site.example"+ap.Prefix+"/inbox", bytes.NewReader(body))
	require.NoError(t, httpsig.Sign(req, key, body, time.Now()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var m mq.InboxMessage
	var payload string
	require.NoError(t, s.DB.QueryRow(`select payload from queue where topic = ?`, mq.InboxTopic).Scan(&payload))
	require.NoError(t, json.Unmarshal([]byte(payload), &m))
	assert.Equal(t, "remote.example", m.Origin)
	assert.JSONEq(t, string(body), string(m.Body))
}

func TestInboxUnsigned(t *testing.T) {
	s := fedtest.NewServer(t)
	r := newRouter(s)

	alice := s.NewActor("remote.example", "alice")
	body, err := json.Marshal(map[string]any{
		"id":     "https://remote.example/follow/1",
		"type":   "Follow",
		"actor":  alice.ID,
		"object": s.Self.APID,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "https://site.example"+ap.Prefix+"/inbox", bytes.NewReader(body))
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var queued int
	require.NoError(t, s.DB.QueryRow(`select count(*) from queue`).Scan(&queued))
	assert.Zero(t, queued)
}

func TestPush(t *testing.T) {
	s := fedtest.NewServer(t)
	s.Config.MQPushToken = "push-secret"
	r := newRouter(s)
	ctx := context.Background()

	alice := s.NewActor("remote.example", "alice")
	inner, err := json.Marshal(mq.InboxMessage{Origin: "remote.example", Body: mustMarshal(t, map[string]any{
		"id":     "https://remote.example/follow/1",
		"type":   "Follow",
		"actor":  alice.ID,
		"object": s.Self.APID,
	})})
	require.NoError(t, err)

	envelope, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      inner,
			"messageId": "42",
		},
		"subscription": "projects/test/subscriptions/ghost",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, ap.Prefix+"/pubsub/ghost/push?token=push-secret", bytes.NewReader(envelope))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// the activity was handled synchronously
	follower, err := s.Accounts.ByAPID(ctx, alice.ID)
	require.NoError(t, err)
	follows, err := s.Accounts.Follows(ctx, follower, s.Self)
	require.NoError(t, err)
	assert.True(t, follows)

	req = httptest.NewRequest(http.MethodPost, ap.Prefix+"/pubsub/ghost/push?token=wrong", bytes.NewReader(envelope))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	s.Config.MQPushToken = ""
	req = httptest.NewRequest(http.MethodPost, ap.Prefix+"/pubsub/ghost/push", bytes.NewReader(envelope))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return buf
}
