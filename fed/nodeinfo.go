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

	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/buildinfo"
)

func (l *Listener) handleWellKnownNodeInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"links": []map[string]any{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": fmt.Sprintf("https://%s%s/nodeinfo/2.1", l.Domain, ap.Prefix),
			},
		},
	})
}

func (l *Listener) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	var users, posts int64
	if err := l.DB.QueryRowContext(
		r.Context(),
		`select (select count(*) from users), (select count(*) from posts join users on users.account_id = posts.author_id where posts.deleted_at is null)`,
	).Scan(&users, &posts); err != nil {
		l.Log.Error("Failed to build nodeinfo response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"version": "2.1",
		"software": map[string]any{
			"name":    "fedpress",
			"version": buildinfo.Version,
		},
		"protocols": []string{
			"activitypub",
		},
		"services": map[string]any{
			"outbound": []any{},
			"inbound":  []any{},
		},
		"usage": map[string]any{
			"users": map[string]any{
				"total": users,
			},
			"localPosts": posts,
		},
		"openRegistrations": false,
		"metadata":          map[string]any{},
	})
}
