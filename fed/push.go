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
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/fedpress/fedpress/mq"
)

// pushEnvelope is the wrapper an external broker POSTs: a base64 payload
// plus delivery metadata.
type pushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handlePush hands an externally queued message to the topic's handler.
// A 2xx response acknowledges the message; 5xx asks the broker to
// redeliver. Permanent failures are acknowledged and logged so the broker
// stops retrying them.
func (l *Listener) handlePush(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.pushAuthorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.Config.MaxRequestBodySize))
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}

		var envelope pushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			l.Log.Info("Received invalid push message", "topic", topic, "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := l.Queue.Dispatch(r.Context(), topic, envelope.Message.Data); err != nil {
			outcome := mq.Classify(err)
			if outcome.Retryable {
				l.Log.Warn("Failed to handle push message", "topic", topic, "id", envelope.Message.MessageID, "error", err)
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			if outcome.Reportable {
				l.Log.Error("Dropping push message", "topic", topic, "id", envelope.Message.MessageID, "error", err)
			} else {
				l.Log.Warn("Dropping push message", "topic", topic, "id", envelope.Message.MessageID, "error", err)
			}
		}

		w.WriteHeader(http.StatusOK)
	}
}

func (l *Listener) pushAuthorized(r *http.Request) bool {
	if l.Config.MQPushToken == "" {
		return false
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(l.Config.MQPushToken)) == 1
}
