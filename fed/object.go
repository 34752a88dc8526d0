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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/data"
	"github.com/go-chi/chi/v5"
)

// handleObject serves a stored document by its IRI. Posts are rebuilt from
// their rows, activities are served verbatim from the key-value store.
func (l *Listener) handleObject(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	iri := fmt.Sprintf("https://%s%s/%s/%s", l.Domain, ap.Prefix, kind, chi.URLParam(r, "id"))

	if kind == "article" || kind == "note" {
		l.handlePost(w, r, iri)
		return
	}

	raw, err := l.Store.Get(r.Context(), iri)
	if errors.Is(err, data.ErrKeyNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		l.Log.Error("Failed to fetch object", "iri", iri, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(raw)
}

func (l *Listener) handlePost(w http.ResponseWriter, r *http.Request, iri string) {
	var o ap.Object
	var audience int
	var excerpt, imageURL string
	var published, deleted sql.NullInt64
	var followers string
	if err := l.DB.QueryRowContext(
		r.Context(),
		`select posts.type, ifnull(posts.title, ''), ifnull(posts.excerpt, ''), ifnull(posts.summary, ''), ifnull(posts.content, ''), ifnull(posts.url, ''), ifnull(posts.image_url, ''), posts.audience, posts.published_at, posts.deleted_at, authors.ap_id, ifnull(authors.ap_followers, '') from posts join accounts authors on authors.id = posts.author_id where posts.ap_id_hash = ?`,
		ap.IDHash(iri),
	).Scan(&o.Type, &o.Name, &excerpt, &o.Summary, &o.Content, &o.URL, &imageURL, &audience, &published, &deleted, &o.AttributedTo, &followers); errors.Is(err, sql.ErrNoRows) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		l.Log.Error("Failed to fetch post", "iri", iri, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if deleted.Valid {
		w.WriteHeader(http.StatusGone)
		return
	}

	o.Context = activityContext
	o.ID = iri
	if published.Valid {
		o.Published = ap.Time{Time: time.Unix(published.Int64, 0).UTC()}
	}
	if excerpt != "" {
		o.Preview = &ap.Preview{Type: "Note", Content: excerpt}
	}
	if imageURL != "" {
		o.Image = &ap.Attachment{Type: ap.ImageAttachment, URL: imageURL}
	}
	if audience == 0 {
		o.To = ap.NewAudience(ap.Public)
		o.CC = ap.NewAudience(followers)
	} else {
		o.To = ap.NewAudience(followers)
	}

	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(&o); err != nil {
		l.Log.Warn("Failed to write post", "iri", iri, "error", err)
	}
}
