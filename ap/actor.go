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
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type ActorType string

const (
	Person       ActorType = "Person"
	Group        ActorType = "Group"
	Organization ActorType = "Organization"
	Service      ActorType = "Service"
	Application  ActorType = "Application"
)

func (t ActorType) IsActor() bool {
	switch t {
	case Person, Group, Organization, Service, Application:
		return true
	}
	return false
}

// Actor is an ActivityPub actor: anything addressable by an inbox.
type Actor struct {
	Context           any               `json:"@context,omitempty"`
	ID                string            `json:"id"`
	Type              ActorType         `json:"type"`
	Inbox             string            `json:"inbox"`
	Outbox            string            `json:"outbox,omitempty"`
	Endpoints         map[string]string `json:"endpoints,omitempty"`
	PreferredUsername string            `json:"preferredUsername"`
	Name              string            `json:"name,omitempty"`
	Summary           string            `json:"summary,omitempty"`
	URL               string            `json:"url,omitempty"`
	Followers         string            `json:"followers,omitempty"`
	Following         string            `json:"following,omitempty"`
	Liked             string            `json:"liked,omitempty"`
	Icon              *Attachment       `json:"icon,omitempty"`
	Image             *Attachment       `json:"image,omitempty"`
	PublicKey         PublicKey         `json:"publicKey"`
	AssertionMethod   []Multikey        `json:"assertionMethod,omitempty"`
	Published         Time              `json:"published,omitzero"`
	Attachment        []Attachment      `json:"attachment,omitempty"`
}

// SharedInbox returns the actor's shared inbox, if it advertises one.
func (a *Actor) SharedInbox() string {
	if a.Endpoints == nil {
		return ""
	}
	return a.Endpoints["sharedInbox"]
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Multikey is an FEP-521a Ed25519 signing key an actor advertises under
// assertionMethod.
type Multikey struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

func (a *Actor) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported conversion from %T to %T", src, a)
	}
}

func (a *Actor) Value() (driver.Value, error) {
	buf, err := json.Marshal(a)
	return string(buf), err
}
