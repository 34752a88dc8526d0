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

	"github.com/fedpress/fedpress/account"
	"github.com/go-chi/chi/v5"
)

const contentType = `application/activity+json`

func (l *Listener) localAccount(w http.ResponseWriter, r *http.Request) *account.Account {
	handle := chi.URLParam(r, "handle")

	a, err := l.Accounts.ByUsername(r.Context(), handle)
	if errors.Is(err, account.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return nil
	} else if err != nil {
		l.Log.Error("Failed to fetch account", "handle", handle, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	// only actors with a bound user are served
	if !a.IsInternal() {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}

	return a
}

func (l *Listener) handleActor(w http.ResponseWriter, r *http.Request) {
	a := l.localAccount(w, r)
	if a == nil {
		return
	}

	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(a.Actor()); err != nil {
		l.Log.Warn("Failed to write actor", "actor", a.APID, "error", err)
	}
}
