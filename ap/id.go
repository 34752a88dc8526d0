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

package ap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Prefix is the path under which all federation endpoints live.
const Prefix = "/.ghost/activitypub"

// CanonicalID normalizes an IRI: scheme and host are lowercased, default
// ports and trailing slashes are dropped. Uniqueness of accounts and posts
// is keyed on the hash of this form.
func CanonicalID(id string) string {
	u, err := url.Parse(id)
	if err != nil {
		return id
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String()
}

// IDHash returns the hex SHA256 of an IRI in canonical form.
func IDHash(id string) string {
	hash := sha256.Sum256([]byte(CanonicalID(id)))
	return hex.EncodeToString(hash[:])
}

// DomainHash returns the hex SHA256 of a lowercased domain.
func DomainHash(domain string) string {
	hash := sha256.Sum256([]byte(strings.ToLower(domain)))
	return hex.EncodeToString(hash[:])
}

// ActorID returns the IRI of a local actor.
func ActorID(domain, handle string) string {
	return fmt.Sprintf("https://%s%s/users/%s", domain, Prefix, handle)
}

// ObjectID returns the IRI of a local object or activity, by dispatcher
// route and identifier.
func ObjectID(domain, kind, id string) string {
	return fmt.Sprintf("https://%s%s/%s/%s", domain, Prefix, strings.ToLower(kind), id)
}
