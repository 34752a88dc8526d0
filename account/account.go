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

// Package account manages fediverse actors: the site's internal accounts and
// lazily created external ones.
package account

import (
	"database/sql"
	"errors"

	"github.com/fedpress/fedpress/ap"
)

var (
	ErrNotFound    = errors.New("account not found")
	ErrInvalidType = errors.New("object is not an actor")
	ErrInvalidData = errors.New("actor data is invalid")
	ErrNotInternal = errors.New("account is not internal")
)

// Account is a single fediverse actor, local or remote.
type Account struct {
	ID             int64
	UUID           string
	Username       string
	Name           string
	Bio            string
	URL            string
	AvatarURL      string
	BannerImageURL string
	APID           string
	Inbox          string
	SharedInbox    string
	Outbox         string
	Followers      string
	Following      string
	Liked          string
	PublicKeyPem   string
	PrivateKeyPem  string
	Domain         string
	Type           ap.ActorType

	// UserID is the bound users row, non-zero only for internal accounts.
	UserID int64
}

// IsInternal reports whether the account belongs to a user of the hosted site.
func (a *Account) IsInternal() bool {
	return a.UserID != 0
}

// Handle returns the account's acct:user@host form.
func (a *Account) Handle() string {
	return "@" + a.Username + "@" + a.Domain
}

const accountColumns = `accounts.id, accounts.uuid, accounts.username, ifnull(accounts.name, ''), ifnull(accounts.bio, ''), ifnull(accounts.url, ''), ifnull(accounts.avatar_url, ''), ifnull(accounts.banner_image_url, ''), accounts.ap_id, ifnull(accounts.ap_inbox, ''), ifnull(accounts.ap_shared_inbox, ''), ifnull(accounts.ap_outbox, ''), ifnull(accounts.ap_followers, ''), ifnull(accounts.ap_following, ''), ifnull(accounts.ap_liked, ''), ifnull(accounts.public_key, ''), ifnull(accounts.private_key, ''), accounts.domain, accounts.actor_type, ifnull(users.id, 0)`

const accountFrom = ` from accounts left join users on users.account_id = accounts.id `

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var a Account
	if err := row.Scan(
		&a.ID,
		&a.UUID,
		&a.Username,
		&a.Name,
		&a.Bio,
		&a.URL,
		&a.AvatarURL,
		&a.BannerImageURL,
		&a.APID,
		&a.Inbox,
		&a.SharedInbox,
		&a.Outbox,
		&a.Followers,
		&a.Following,
		&a.Liked,
		&a.PublicKeyPem,
		&a.PrivateKeyPem,
		&a.Domain,
		&a.Type,
		&a.UserID,
	); errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return &a, nil
}

// Actor builds the ActivityPub representation of the account.
func (a *Account) Actor() *ap.Actor {
	actor := ap.Actor{
		Context:           []string{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"},
		ID:                a.APID,
		Type:              a.Type,
		Inbox:             a.Inbox,
		Outbox:            a.Outbox,
		PreferredUsername: a.Username,
		Name:              a.Name,
		Summary:           a.Bio,
		URL:               a.URL,
		Followers:         a.Followers,
		Following:         a.Following,
		Liked:             a.Liked,
		PublicKey: ap.PublicKey{
			ID:           a.APID + "#main-key",
			Owner:        a.APID,
			PublicKeyPem: a.PublicKeyPem,
		},
	}

	if a.SharedInbox != "" {
		actor.Endpoints = map[string]string{"sharedInbox": a.SharedInbox}
	}

	if a.AvatarURL != "" {
		actor.Icon = &ap.Attachment{Type: ap.ImageAttachment, URL: a.AvatarURL}
	}

	if a.BannerImageURL != "" {
		actor.Image = &ap.Attachment{Type: ap.ImageAttachment, URL: a.BannerImageURL}
	}

	return &actor
}
