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

package httpsig

import (
	"errors"
	"net/http"
	"time"

	gofed "github.com/go-fed/httpsig"
)

// Sign signs a request with the draft-cavage signature peers expect:
// (request-target), host, date and digest over the given body.
func Sign(r *http.Request, key Key, body []byte, now time.Time) error {
	if key.ID == "" {
		return errors.New("key has no ID")
	}

	headers := []string{gofed.RequestTarget, "host", "date"}
	if body != nil {
		headers = append(headers, "digest")
	}

	signer, _, err := gofed.NewSigner(
		[]gofed.Algorithm{gofed.RSA_SHA256},
		gofed.DigestSha256,
		headers,
		gofed.Signature,
		int64(time.Hour/time.Second),
	)
	if err != nil {
		return err
	}

	r.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	r.Header.Set("Host", r.URL.Host)

	return signer.SignRequest(key.PrivateKey, key.ID, r, body)
}
