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
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/data"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/fedtest"
	"github.com/fedpress/fedpress/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient serves canned documents by URL and records each request it saw.
type stubClient struct {
	documents map[string]string
	requests  []*http.Request
}

func (c *stubClient) Do(r *http.Request) (*http.Response, error) {
	c.requests = append(c.requests, r)

	doc, ok := c.documents[r.URL.String()]
	if !ok {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(doc))}, nil
}

func newResolver(t *testing.T, client *stubClient) *fed.Resolver {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	config := cfg.Config{Domain: fedtest.Domain}
	config.FillDefaults()

	return &fed.Resolver{
		Domain: fedtest.Domain,
		Config: &config,
		Client: client,
		Key: func(ctx context.Context) (httpsig.Key, error) {
			return httpsig.Key{ID: "https://site.example/.ghost/activitypub/users/index#main-key", PrivateKey: priv}, nil
		},
	}
}

func TestResolverLookupActor(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/u/alice": `{
			"id": "https://remote.example/u/alice",
			"type": "Person",
			"preferredUsername": "alice",
			"inbox": "https://remote.example/u/alice/inbox",
			"publicKey": {"id": "https://remote.example/u/alice#main-key", "owner": "https://remote.example/u/alice"}
		}`,
	}}
	r := newResolver(t, client)

	actor, err := r.LookupActor(context.Background(), "https://remote.example/u/alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.PreferredUsername)

	// fetches carry a signature and ask for ActivityPub documents
	require.Len(t, client.requests, 1)
	assert.NotEmpty(t, client.requests[0].Header.Get("Signature"))
	assert.Contains(t, client.requests[0].Header.Get("Accept"), "application/activity+json")
}

func TestResolverLookupActorByKeyID(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/u/alice#main-key": `{
			"id": "https://remote.example/u/alice",
			"type": "Person",
			"preferredUsername": "alice",
			"publicKey": {"id": "https://remote.example/u/alice#main-key", "owner": "https://remote.example/u/alice"}
		}`,
	}}
	r := newResolver(t, client)

	actor, err := r.LookupActor(context.Background(), "https://remote.example/u/alice#main-key")
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/u/alice", actor.ID)
	require.Len(t, client.requests, 1)
}

func TestResolverLookupActorIndirect(t *testing.T) {
	// the fetched document names a sibling ID within the same origin
	client := &stubClient{documents: map[string]string{
		"https://remote.example/users/alice": `{
			"id": "https://remote.example/u/alice",
			"type": "Person",
			"preferredUsername": "alice"
		}`,
		"https://remote.example/u/alice": `{
			"id": "https://remote.example/u/alice",
			"type": "Person",
			"preferredUsername": "alice"
		}`,
	}}
	r := newResolver(t, client)

	actor, err := r.LookupActor(context.Background(), "https://remote.example/users/alice")
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/u/alice", actor.ID)
	assert.Len(t, client.requests, 2)
}

func TestResolverLookupActorWrongOrigin(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/u/alice": `{
			"id": "https://evil.example/u/alice",
			"type": "Person",
			"preferredUsername": "alice"
		}`,
	}}
	r := newResolver(t, client)

	_, err := r.LookupActor(context.Background(), "https://remote.example/u/alice")
	assert.ErrorIs(t, err, fed.ErrWrongOrigin)
}

func TestResolverLookupActorNotAnActor(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/u/alice": `{
			"id": "https://remote.example/u/alice",
			"type": "Note",
			"content": "<p>hi</p>"
		}`,
	}}
	r := newResolver(t, client)

	_, err := r.LookupActor(context.Background(), "https://remote.example/u/alice")
	assert.Error(t, err)
}

func TestResolverLookupObject(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/note/1": `{
			"id": "https://remote.example/note/1",
			"type": "Note",
			"attributedTo": "https://remote.example/u/alice",
			"content": "<p>hi</p>"
		}`,
	}}
	r := newResolver(t, client)

	o, err := r.LookupObject(context.Background(), "https://remote.example/note/1")
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", o.Content)

	_, err = r.LookupObject(context.Background(), "https://remote.example/note/2")
	assert.ErrorIs(t, err, fed.ErrNotFound)
}

func TestResolverLookupObjectWrongOrigin(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/note/1": `{
			"id": "https://evil.example/note/1",
			"type": "Note",
			"content": "<p>hi</p>"
		}`,
	}}
	r := newResolver(t, client)

	_, err := r.LookupObject(context.Background(), "https://remote.example/note/1")
	assert.ErrorIs(t, err, fed.ErrWrongOrigin)
}

func TestResolverRejectsUnsafeAddresses(t *testing.T) {
	client := &stubClient{}
	r := newResolver(t, client)

	for iri, want := range map[string]error{
		"http://remote.example/note/1":  fed.ErrInvalidScheme,
		"gemini://remote.example/1":     fed.ErrInvalidScheme,
		"https://localhost/note/1":      fed.ErrPrivateAddress,
		"https://db.internal/note/1":    fed.ErrPrivateAddress,
		"https://192.168.1.4/note/1":    fed.ErrPrivateAddress,
		"https://127.0.0.1:8443/note/1": fed.ErrPrivateAddress,
	} {
		_, err := r.LookupObject(context.Background(), iri)
		assert.ErrorIs(t, err, want, iri)
	}

	// nothing reached the network
	assert.Empty(t, client.requests)
}

func TestResolverAllowsPrivateAddressesWhenConfigured(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"http://127.0.0.1:8080/note/1": `{
			"id": "http://127.0.0.1:8080/note/1",
			"type": "Note",
			"content": "<p>hi</p>"
		}`,
	}}
	r := newResolver(t, client)
	r.Config.AllowPrivateAddress = true

	o, err := r.LookupObject(context.Background(), "http://127.0.0.1:8080/note/1")
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", o.Content)
}

// memStore is an in-process stand-in for the document cache.
type memStore struct {
	values map[string][]byte
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return nil, data.ErrKeyNotFound
}

func (s *memStore) Set(ctx context.Context, key string, value []byte) error {
	s.values[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	delete(s.values, key)
	return nil
}

func TestResolverCachesDocuments(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/u/alice": `{
			"id": "https://remote.example/u/alice",
			"type": "Person",
			"preferredUsername": "alice"
		}`,
	}}
	r := newResolver(t, client)
	r.Store = &memStore{values: map[string][]byte{}}

	for range 2 {
		actor, err := r.LookupActor(context.Background(), "https://remote.example/u/alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", actor.PreferredUsername)
	}

	// the second lookup is served from the cache
	assert.Len(t, client.requests, 1)
}

func TestSend(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/inbox": `{}`,
	}}
	r := newResolver(t, client)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key := httpsig.Key{ID: "https://site.example/.ghost/activitypub/users/index#main-key", PrivateKey: priv}

	body := []byte(`{"id": "https://site.example/create/1", "type": "Create"}`)
	require.NoError(t, r.Send(context.Background(), key, "https://site.example/create/1", "https://remote.example/inbox", body))

	require.Len(t, client.requests, 1)
	assert.Equal(t, "application/activity+json", client.requests[0].Header.Get("Content-Type"))
	assert.NotEmpty(t, client.requests[0].Header.Get("Signature"))

	// local inboxes are skipped without touching the network
	require.NoError(t, r.Send(context.Background(), key, "https://site.example/create/1", "https://"+fedtest.Domain+"/inbox", body))
	assert.Len(t, client.requests, 1)
}

func TestResolverFinger(t *testing.T) {
	client := &stubClient{documents: map[string]string{
		"https://remote.example/.well-known/webfinger?resource=acct%3Aalice%40remote.example": `{
			"subject": "acct:alice@remote.example",
			"links": [
				{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": "https://remote.example/@alice"},
				{"rel": "self", "type": "application/activity+json", "href": "https://remote.example/u/alice"}
			]
		}`,
	}}
	r := newResolver(t, client)

	iri, err := r.Finger(context.Background(), "alice", "remote.example")
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/u/alice", iri)

	_, err = r.Finger(context.Background(), "nobody", "remote.example")
	assert.ErrorIs(t, err, fed.ErrNotFound)
}
