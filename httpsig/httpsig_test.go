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
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keyID = "https://site.example/.ghost/activitypub/users/index#main-key"

func newKeyPair(t *testing.T) (Key, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return Key{ID: keyID, PrivateKey: priv}, &priv.PublicKey
}

func signedRequest(t *testing.T, key Key, body []byte, at time.Time) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, Sign(r, key, body, at))
	return r
}

func TestSignVerify(t *testing.T) {
	key, pub := newKeyPair(t)
	body := []byte(`{"type":"Follow"}`)

	r := signedRequest(t, key, body, time.Now())

	sig, err := Extract(r, body, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, keyID, sig.KeyID)
	assert.NoError(t, sig.Verify(pub))
}

func TestVerifyWrongKey(t *testing.T) {
	key, _ := newKeyPair(t)
	_, otherPub := newKeyPair(t)
	body := []byte(`{"type":"Follow"}`)

	r := signedRequest(t, key, body, time.Now())

	sig, err := Extract(r, body, time.Hour)
	require.NoError(t, err)
	assert.Error(t, sig.Verify(otherPub))
}

func TestExtractStaleDate(t *testing.T) {
	key, _ := newKeyPair(t)
	body := []byte(`{"type":"Follow"}`)

	r := signedRequest(t, key, body, time.Now().Add(-2*time.Hour))

	_, err := Extract(r, body, time.Hour)
	assert.ErrorIs(t, err, ErrSignatureTooOld)
}

func TestExtractModifiedBody(t *testing.T) {
	key, _ := newKeyPair(t)

	r := signedRequest(t, key, []byte(`{"type":"Follow"}`), time.Now())

	_, err := Extract(r, []byte(`{"type":"Delete"}`), time.Hour)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestExtractUnsigned(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	r, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	_, err = Extract(r, body, time.Hour)
	assert.Error(t, err)
}

func TestKeyPEMRoundTrip(t *testing.T) {
	key, pub := newKeyPair(t)
	priv := key.PrivateKey.(*rsa.PrivateKey)

	privDer, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPem := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDer}))

	pubDer, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPem := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer}))

	parsed, err := ParsePrivateKey(keyID, privPem)
	require.NoError(t, err)
	assert.True(t, priv.Equal(parsed.PrivateKey.(*rsa.PrivateKey)))

	parsedPub, err := ParsePublicKey(pubPem)
	require.NoError(t, err)
	assert.True(t, pub.Equal(parsedPub.(*rsa.PublicKey)))

	_, err = ParsePrivateKey(keyID, "not a key")
	assert.Error(t, err)
	_, err = ParsePublicKey("not a key")
	assert.Error(t, err)
}
