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

// Package fed speaks to other servers: it fetches remote objects, delivers
// signed activities and exposes this server's ActivityPub surface.
package fed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/buildinfo"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/data"
	"github.com/fedpress/fedpress/httpsig"
)

var (
	ErrNotFound       = errors.New("object does not exist")
	ErrInvalidScheme  = errors.New("invalid scheme")
	ErrPrivateAddress = errors.New("address is private")
	ErrWrongOrigin    = errors.New("object ID belongs to another origin")
)

// Client sends a single HTTP request.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver fetches remote actors and objects over signed requests.
type Resolver struct {
	Domain string
	Config *cfg.Config
	Client Client
	Key    func(ctx context.Context) (httpsig.Key, error)

	// Store caches fetched documents by IRI, nil disables caching. Entries
	// are last-writer-wins and dropped when an Update or Delete arrives.
	Store data.Store
}

var userAgent = "fedpress/" + buildinfo.Version

func (r *Resolver) checkURL(u *url.URL) error {
	if u.Scheme != "https" && !(r.Config.AllowPrivateAddress && u.Scheme == "http") {
		return fmt.Errorf("cannot fetch %s: %w", u.String(), ErrInvalidScheme)
	}

	if r.Config.AllowPrivateAddress {
		return nil
	}

	host := u.Hostname()
	if host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("cannot fetch %s: %w", u.String(), ErrPrivateAddress)
	}

	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()) {
		return fmt.Errorf("cannot fetch %s: %w", u.String(), ErrPrivateAddress)
	}

	return nil
}

// get fetches one document with a signed GET request, through the cache.
func (r *Resolver) get(ctx context.Context, iri string) ([]byte, error) {
	if r.Store != nil {
		if cached, err := r.Store.Get(ctx, iri); err == nil {
			return cached, nil
		} else if !errors.Is(err, data.ErrKeyNotFound) {
			slog.WarnContext(ctx, "Failed to read cached document", "iri", iri, "error", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", iri, err)
	}

	if err := r.checkURL(req.URL); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)

	key, err := r.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", iri, err)
	}
	if err := httpsig.Sign(req, key, nil, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sign request for %s: %w", iri, err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", iri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("failed to fetch %s: %w", iri, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("failed to fetch %s: %d", iri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.Config.MaxRequestBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", iri, err)
	}

	if r.Store != nil {
		if err := r.Store.Set(ctx, iri, body); err != nil {
			slog.WarnContext(ctx, "Failed to cache document", "iri", iri, "error", err)
		}
	}

	return body, nil
}

// LookupObject fetches an object by ID. The fetched document must identify
// itself within the origin it was fetched from.
func (r *Resolver) LookupObject(ctx context.Context, iri string) (*ap.Object, error) {
	body, err := r.get(ctx, iri)
	if err != nil {
		return nil, err
	}

	var o ap.Object
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", iri, err)
	}

	if o.ID == "" || !ap.SameOrigin(o.ID, iri) {
		return nil, fmt.Errorf("cannot accept %s for %s: %w", o.ID, iri, ErrWrongOrigin)
	}

	return &o, nil
}

// LookupActor fetches an actor document by ID, following one level of key
// indirection: a key ID resolves to the actor that owns the key.
func (r *Resolver) LookupActor(ctx context.Context, iri string) (*ap.Actor, error) {
	body, err := r.get(ctx, iri)
	if err != nil {
		return nil, err
	}

	var a ap.Actor
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", iri, err)
	}

	if !a.Type.IsActor() {
		return nil, fmt.Errorf("%s is a %s, not an actor", iri, a.Type)
	}

	if a.ID != iri && a.PublicKey.ID != iri {
		if !ap.SameOrigin(a.ID, iri) {
			return nil, fmt.Errorf("cannot accept %s for %s: %w", a.ID, iri, ErrWrongOrigin)
		}
		// the document points elsewhere within its origin, fetch the real one
		return r.LookupActor(ctx, a.ID)
	}

	return &a, nil
}

// LookupActivity fetches an activity by ID.
func (r *Resolver) LookupActivity(ctx context.Context, iri string) (*ap.Activity, error) {
	body, err := r.get(ctx, iri)
	if err != nil {
		return nil, err
	}

	var a ap.Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", iri, err)
	}

	if a.ID == "" || !ap.SameOrigin(a.ID, iri) {
		return nil, fmt.Errorf("cannot accept %s for %s: %w", a.ID, iri, ErrWrongOrigin)
	}

	return &a, nil
}

// Finger resolves an acct:user@host handle to an actor ID using WebFinger.
func (r *Resolver) Finger(ctx context.Context, user, host string) (string, error) {
	finger := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", host, url.QueryEscape("acct:"+user+"@"+host))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finger, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", finger, err)
	}

	if err := r.checkURL(req.URL); err != nil {
		return "", err
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/jrd+json, application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", finger, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", fmt.Errorf("failed to fetch %s: %w", finger, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch %s: %d", finger, resp.StatusCode)
	}

	var jrd webFingerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, r.Config.MaxRequestBodySize)).Decode(&jrd); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", finger, err)
	}

	for _, link := range jrd.Links {
		if link.Rel != "self" {
			continue
		}
		if link.Type != "application/activity+json" && link.Type != `application/ld+json; profile="https://www.w3.org/ns/activitystreams"` {
			continue
		}
		if link.Href != "" {
			return link.Href, nil
		}
	}

	return "", fmt.Errorf("no profile link in %s response", finger)
}
