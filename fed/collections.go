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

package fed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
)

// followersBound caps the follower dispatcher, which is unpaged.
const followersBound = 10000

// outbox_type values, mirroring post.OutboxType. Reply rows exist for
// addressing only and are kept out of the served collection.
const (
	outboxReply  = 1
	outboxRepost = 2
)

const activityContext = "https://www.w3.org/ns/activitystreams"

type collection struct {
	Context      any    `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int64  `json:"totalItems"`
	First        string `json:"first,omitempty"`
	OrderedItems []any  `json:"orderedItems,omitempty"`
}

type collectionPage struct {
	Context      any    `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	PartOf       string `json:"partOf"`
	Next         string `json:"next,omitempty"`
	OrderedItems []any  `json:"orderedItems"`
}

func (l *Listener) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l.Log.Warn("Failed to write response", "error", err)
	}
}

// handleFollowers returns the full follower list in one response, as
// delivery code and follower synchronization expect.
func (l *Listener) handleFollowers(w http.ResponseWriter, r *http.Request) {
	a := l.localAccount(w, r)
	if a == nil {
		return
	}

	count, err := l.Accounts.FollowerCount(r.Context(), a)
	if err != nil {
		l.Log.Error("Failed to count followers", "actor", a.APID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	followers, err := l.Accounts.FollowerAccounts(r.Context(), a, account.PageOptions{Limit: followersBound})
	if err != nil {
		l.Log.Error("Failed to list followers", "actor", a.APID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	items := make([]any, 0, len(followers))
	for _, follower := range followers {
		items = append(items, follower.APID)
	}

	l.writeJSON(w, collection{
		Context:      activityContext,
		ID:           a.Followers,
		Type:         "Collection",
		TotalItems:   count,
		OrderedItems: items,
	})
}

// handleFollowing pages through followed accounts with an offset cursor.
func (l *Listener) handleFollowing(w http.ResponseWriter, r *http.Request) {
	a := l.localAccount(w, r)
	if a == nil {
		return
	}

	count, err := l.Accounts.FollowingCount(r.Context(), a)
	if err != nil {
		l.Log.Error("Failed to count following", "actor", a.APID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	cursor := r.URL.Query().Get("cursor")
	if cursor == "" {
		l.writeJSON(w, collection{
			Context:    activityContext,
			ID:         a.Following,
			Type:       "OrderedCollection",
			TotalItems: count,
			First:      a.Following + "?cursor=0",
		})
		return
	}

	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	size := l.Config.FollowingPageSize
	following, err := l.Accounts.FollowingAccounts(r.Context(), a, account.PageOptions{Limit: size + 1, Offset: offset})
	if err != nil {
		l.Log.Error("Failed to list following", "actor", a.APID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	page := collectionPage{
		Context: activityContext,
		ID:      a.Following + "?cursor=" + cursor,
		Type:    "OrderedCollectionPage",
		PartOf:  a.Following,
	}
	if len(following) > size {
		following = following[:size]
		page.Next = a.Following + "?cursor=" + strconv.Itoa(offset+size)
	}
	for _, followed := range following {
		page.OrderedItems = append(page.OrderedItems, followed.APID)
	}

	l.writeJSON(w, page)
}

// handleOutbox pages through the account's outbox with a timestamp cursor,
// rebuilding each Create or Announce from the post row at read time.
func (l *Listener) handleOutbox(w http.ResponseWriter, r *http.Request) {
	a := l.localAccount(w, r)
	if a == nil {
		return
	}

	cursor := r.URL.Query().Get("cursor")
	if cursor == "" {
		var count int64
		if err := l.DB.QueryRowContext(r.Context(), `select count(*) from outboxes where account_id = ? and outbox_type != ?`, a.ID, outboxReply).Scan(&count); err != nil {
			l.Log.Error("Failed to count outbox", "actor", a.APID, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		l.writeJSON(w, collection{
			Context:    activityContext,
			ID:         a.Outbox,
			Type:       "OrderedCollection",
			TotalItems: count,
			First:      a.Outbox + "?cursor=" + url.QueryEscape(time.Now().UTC().Format(time.RFC3339)),
		})
		return
	}

	before, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	size := l.Config.OutboxPageSize
	rows, err := l.DB.QueryContext(
		r.Context(),
		`select outboxes.outbox_type, outboxes.published_at, posts.uuid, posts.type, ifnull(posts.title, ''), ifnull(posts.excerpt, ''), ifnull(posts.summary, ''), ifnull(posts.content, ''), ifnull(posts.url, ''), ifnull(posts.image_url, ''), posts.ap_id, authors.ap_id from outboxes join posts on posts.id = outboxes.post_id join accounts authors on authors.id = posts.author_id where outboxes.account_id = ? and outboxes.outbox_type != ? and outboxes.published_at < ? and posts.deleted_at is null order by outboxes.published_at desc limit ?`,
		a.ID,
		outboxReply,
		before.Unix(),
		size+1,
	)
	if err != nil {
		l.Log.Error("Failed to fetch outbox", "actor", a.APID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	var items []any
	var last int64
	more := false
	for rows.Next() {
		if len(items) == size {
			more = true
			break
		}

		var outboxType int
		var published int64
		var postUUID, postID, authorID, excerpt, imageURL string
		var o ap.Object
		if err := rows.Scan(&outboxType, &published, &postUUID, &o.Type, &o.Name, &excerpt, &o.Summary, &o.Content, &o.URL, &imageURL, &postID, &authorID); err != nil {
			l.Log.Error("Failed to scan outbox row", "actor", a.APID, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if excerpt != "" {
			o.Preview = &ap.Preview{Type: "Note", Content: excerpt}
		}
		if imageURL != "" {
			o.Image = &ap.Attachment{Type: ap.ImageAttachment, URL: imageURL}
		}

		last = published
		items = append(items, l.outboxItem(a, outboxType, published, postUUID, postID, authorID, &o))
	}
	if err := rows.Err(); err != nil {
		l.Log.Error("Failed to fetch outbox", "actor", a.APID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	page := collectionPage{
		Context:      activityContext,
		ID:           a.Outbox + "?cursor=" + url.QueryEscape(cursor),
		Type:         "OrderedCollectionPage",
		PartOf:       a.Outbox,
		OrderedItems: items,
	}
	if more {
		page.Next = a.Outbox + "?cursor=" + url.QueryEscape(time.Unix(last, 0).UTC().Format(time.RFC3339))
	}

	l.writeJSON(w, page)
}

func (l *Listener) outboxItem(a *account.Account, outboxType int, published int64, postUUID, postID, authorID string, o *ap.Object) *ap.Activity {
	item := &ap.Activity{
		Actor:     a.APID,
		Published: ap.Time{Time: time.Unix(published, 0).UTC()},
		To:        ap.NewAudience(ap.Public),
		CC:        ap.NewAudience(a.Followers),
	}

	// repost rows become Announces of the original ID, everything else a
	// Create of the embedded object
	if outboxType == outboxRepost {
		item.ID = ap.ObjectID(l.Domain, "announce", fmt.Sprintf("%s-%s", a.UUID, postUUID))
		item.Type = ap.Announce
		item.Object = postID
		return item
	}

	o.ID = postID
	o.AttributedTo = authorID
	o.Published = item.Published
	o.To = item.To
	o.CC = item.CC

	item.ID = ap.ObjectID(l.Domain, "create", postUUID)
	item.Type = ap.Create
	item.Object = o
	return item
}

// handleLiked serves the liked collection, always empty.
func (l *Listener) handleLiked(w http.ResponseWriter, r *http.Request) {
	a := l.localAccount(w, r)
	if a == nil {
		return
	}

	l.writeJSON(w, collection{
		Context:    activityContext,
		ID:         a.Liked,
		Type:       "OrderedCollection",
		TotalItems: 0,
	})
}
