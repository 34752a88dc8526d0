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
	"io"
	"net/http"
	"net/url"

	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/httpsig"
	"github.com/fedpress/fedpress/mq"
)

// handleInbox accepts an inbound activity: it verifies the request
// signature, records the sender's origin and queues the raw body for the
// inbox processor. Verification is the only synchronous step, the activity
// itself is handled asynchronously.
func (l *Listener) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.Config.MaxRequestBodySize))
	if err != nil {
		l.Log.Warn("Failed to read inbox request", "error", err)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	var activity ap.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		l.Log.Info("Received invalid activity", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if activity.ID == "" || activity.Actor == "" {
		l.Log.Info("Received activity without ID or actor")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	origin, err := l.verify(r, body, &activity)
	if err != nil {
		l.Log.Info("Failed to verify inbox request", "activity", activity.ID, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if err := l.Queue.Publish(r.Context(), mq.InboxTopic, mq.InboxMessage{Origin: origin, Body: body}); err != nil {
		l.Log.Error("Failed to queue activity", "activity", activity.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	l.Log.Debug("Queued incoming activity", "activity", activity.ID, "type", activity.Type, "origin", origin)
	w.WriteHeader(http.StatusAccepted)
}

// verify checks the request's HTTP signature and returns the origin the
// activity arrived from: the host of the actor that signed the request.
func (l *Listener) verify(r *http.Request, body []byte, activity *ap.Activity) (string, error) {
	if l.Config.SkipSignatureVerification {
		u, err := url.Parse(activity.Actor)
		if err != nil {
			return "", err
		}
		return u.Host, nil
	}

	sig, err := httpsig.Extract(r, body, l.Config.MaxRequestAge)
	if err != nil {
		return "", err
	}

	// key deletion on the remote end surfaces as a vanished key document
	signer, err := l.Accounts.EnsureByAPID(r.Context(), sig.KeyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", errors.New("signing key does not exist")
		}
		return "", err
	}

	pub, err := httpsig.ParsePublicKey(signer.PublicKeyPem)
	if err != nil {
		return "", err
	}

	if err := sig.Verify(pub); err != nil {
		return "", err
	}

	u, err := url.Parse(signer.APID)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}
