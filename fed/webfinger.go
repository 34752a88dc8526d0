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
	"errors"
	"net/http"
	"strings"

	"github.com/fedpress/fedpress/account"
)

type webFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type webFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webFingerLink `json:"links"`
}

// handleWebFinger maps an acct:user@host resource to the local actor.
func (l *Listener) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("No resource"))
		return
	}

	var username string
	trimmed := strings.TrimPrefix(resource, "acct:")
	if prefix := "https://" + l.Domain; strings.HasPrefix(trimmed, prefix) {
		username = trimmed[strings.LastIndexByte(trimmed, '/')+1:]
	} else {
		fields := strings.Split(trimmed, "@")
		if len(fields) > 2 || (len(fields) == 2 && fields[1] != l.Domain) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		username = fields[0]
	}

	a, err := l.Accounts.ByUsername(r.Context(), username)
	if errors.Is(err, account.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		l.Log.Error("Failed to look up resource", "resource", resource, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !a.IsInternal() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	if err := json.NewEncoder(w).Encode(webFingerResponse{
		Subject: "acct:" + a.Username + "@" + l.Domain,
		Aliases: []string{a.APID},
		Links: []webFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: a.APID,
			},
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: a.URL,
			},
		},
	}); err != nil {
		l.Log.Warn("Failed to write webfinger response", "resource", resource, "error", err)
	}
}
