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

// Package proof creates and verifies eddsa-jcs-2022 integrity proofs.
//
// See https://codeberg.org/fediverse/fep/src/branch/main/fep/8b32/fep-8b32.md for more details.
package proof

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/gowebpki/jcs"

	"github.com/fedpress/fedpress/ap"
)

var proofContext = []string{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/data-integrity/v1"}

// ed25519-pub multicodec prefix
var multikeyPrefix = []byte{0xed, 0x01}

var ErrInvalidProof = errors.New("proof verification failed")

func normalizeJSON(v any) ([]byte, error) {
	j, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return jcs.Transform(j)
}

func create(key ed25519.PrivateKey, keyID string, now time.Time, doc, context any) (ap.Proof, error) {
	created := now.UTC().Format(time.RFC3339)

	cfg, err := normalizeJSON(map[string]any{
		"@context":           context,
		"type":               "DataIntegrityProof",
		"cryptosuite":        "eddsa-jcs-2022",
		"created":            created,
		"proofPurpose":       "assertionMethod",
		"verificationMethod": keyID,
	})
	if err != nil {
		return ap.Proof{}, err
	}

	data, err := normalizeJSON(doc)
	if err != nil {
		return ap.Proof{}, err
	}

	cfgHash := sha256.Sum256(cfg)
	docHash := sha256.Sum256(data)

	return ap.Proof{
		Type:               "DataIntegrityProof",
		CryptoSuite:        "eddsa-jcs-2022",
		VerificationMethod: keyID,
		Purpose:            "assertionMethod",
		Value:              "z" + base58.Encode(ed25519.Sign(key, append(cfgHash[:], docHash[:]...))),
		Created:            created,
	}, nil
}

// Add adds an eddsa-jcs-2022 integrity proof to a JSON document.
func Add(key ed25519.PrivateKey, keyID string, now time.Time, raw []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	m["@context"] = proofContext

	proof, err := create(key, keyID, now, m, proofContext)
	if err != nil {
		return nil, err
	}

	m["proof"] = proof
	return json.Marshal(m)
}

func tryVerify(key ed25519.PublicKey, docHash [32]byte, proof ap.Proof, context any) (bool, error) {
	m := map[string]any{
		"type":               proof.Type,
		"cryptosuite":        proof.CryptoSuite,
		"created":            proof.Created,
		"proofPurpose":       proof.Purpose,
		"verificationMethod": proof.VerificationMethod,
	}

	if context != nil {
		m["@context"] = context
	}

	cfg, err := normalizeJSON(m)
	if err != nil {
		return false, err
	}

	cfgHash := sha256.Sum256(cfg)

	return ed25519.Verify(key, append(cfgHash[:], docHash[:]...), base58.Decode(proof.Value[1:])), nil
}

// Verify verifies the integrity proof carried by a JSON document.
func Verify(key ed25519.PublicKey, proof ap.Proof, context any, raw []byte) error {
	if proof.Type != "DataIntegrityProof" {
		return errors.New("invalid type: " + proof.Type)
	}

	if proof.CryptoSuite != "eddsa-jcs-2022" {
		return errors.New("invalid cryptosuite: " + proof.CryptoSuite)
	}

	if proof.Purpose != "assertionMethod" {
		return errors.New("invalid purpose: " + proof.Purpose)
	}

	if len(proof.Value) <= 1 || proof.Value[0] != 'z' {
		return errors.New("invalid value: " + proof.Value)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	delete(m, "proof")
	delete(m, "signature")

	j, err := json.Marshal(m)
	if err != nil {
		return err
	}

	data, err := jcs.Transform(j)
	if err != nil {
		return err
	}

	docHash := sha256.Sum256(data)

	if ok, err := tryVerify(key, docHash, proof, context); err != nil {
		return err
	} else if ok {
		return nil
	}

	/*
		try again without @context, because Hubzilla ignores it
		https://framagit.org/hubzilla/core/-/blob/aaa863cda7c29daa4fe0322749f55f50e2123d1d/Zotlabs/Lib/JcsEddsa2022.php#L34
	*/
	if context != nil {
		if ok, err := tryVerify(key, docHash, proof, nil); err != nil {
			return err
		} else if ok {
			return nil
		}
	}

	return ErrInvalidProof
}

// DecodeKey extracts the Ed25519 public key from a did:key identifier or a
// bare multibase string, as carried in a proof's verificationMethod.
func DecodeKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimPrefix(s, "did:key:")
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	if len(s) < 2 || s[0] != 'z' {
		return nil, fmt.Errorf("unsupported multibase prefix in %s", s)
	}

	raw := base58.Decode(s[1:])
	if len(raw) != len(multikeyPrefix)+ed25519.PublicKeySize || raw[0] != multikeyPrefix[0] || raw[1] != multikeyPrefix[1] {
		return nil, fmt.Errorf("%s is not an ed25519 public key", s)
	}

	return ed25519.PublicKey(raw[len(multikeyPrefix):]), nil
}
