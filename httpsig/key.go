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

// Package httpsig signs and verifies HTTP requests using draft-cavage HTTP
// Signatures, as federation peers expect on inbox deliveries and signed GETs.
package httpsig

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Key is a signing key and its public ID.
type Key struct {
	ID         string
	PrivateKey crypto.PrivateKey
}

// ParsePrivateKey parses a PEM private key into a [Key].
func ParsePrivateKey(id, pemString string) (Key, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return Key{}, errors.New("no PEM block in private key")
	}

	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// fallback for keys generated by openssl<3.0.0
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return Key{}, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	return Key{ID: id, PrivateKey: priv}, nil
}

// ParsePublicKey parses a PEM public key.
func ParsePublicKey(pemString string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	return pub, nil
}
