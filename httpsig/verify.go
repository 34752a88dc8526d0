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
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gofed "github.com/go-fed/httpsig"
)

var (
	ErrSignatureTooOld = errors.New("signature is too old")
	ErrDigestMismatch  = errors.New("digest does not match body")
)

// Signature is an extracted, not yet verified request signature.
// Callers resolve the signing actor by KeyID and pass its public key to
// [Signature.Verify].
type Signature struct {
	KeyID    string
	verifier gofed.Verifier
}

// Extract reads the Signature header and checks request freshness and the
// body digest. The HTTP Signature draft-cavage-12 scheme is the federation
// "first knock"; verification completes once the caller fetched the key.
func Extract(r *http.Request, body []byte, maxAge time.Duration) (*Signature, error) {
	date := r.Header.Get("Date")
	if date == "" {
		return nil, errors.New("no date header")
	}

	t, err := http.ParseTime(date)
	if err != nil {
		return nil, fmt.Errorf("invalid date header: %w", err)
	}

	if d := time.Since(t); d > maxAge || d < -maxAge {
		return nil, ErrSignatureTooOld
	}

	if digest := r.Header.Get("Digest"); digest != "" {
		hash := sha256.Sum256(body)
		want := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
		if !strings.EqualFold(digest, want) {
			return nil, ErrDigestMismatch
		}
	} else if len(body) > 0 {
		return nil, errors.New("no digest header")
	}

	verifier, err := gofed.NewVerifier(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature: %w", err)
	}

	return &Signature{KeyID: verifier.KeyId(), verifier: verifier}, nil
}

// Verify checks the signature against a public key.
func (s *Signature) Verify(pub crypto.PublicKey) error {
	if err := s.verifier.Verify(pub, gofed.RSA_SHA256); err != nil {
		return fmt.Errorf("failed to verify signature by %s: %w", s.KeyID, err)
	}

	return nil
}
