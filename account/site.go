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

package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fedpress/fedpress/ap"
)

var (
	ErrSiteNotFound     = errors.New("site not found")
	ErrMultipleUsers    = errors.New("multiple users for site")
	ErrNoDefaultAccount = errors.New("site has no default account")
)

// Site is the hosted tenant this server federates for.
type Site struct {
	ID            int64
	Host          string
	WebhookSecret string
	GhostPro      bool
}

// DefaultHandle is the username of a site's default internal account.
const DefaultHandle = "index"

// SiteByHost fetches a site row.
func (s *Service) SiteByHost(ctx context.Context, host string) (*Site, error) {
	var site Site
	if err := s.DB.QueryRowContext(ctx, `select id, host, webhook_secret, ghost_pro from sites where host = ?`, host).Scan(&site.ID, &site.Host, &site.WebhookSecret, &site.GhostPro); errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSiteNotFound
	} else if err != nil {
		return nil, err
	}

	return &site, nil
}

// EnsureSite creates the site and its default internal account on first
// request. The account gets a fresh RSA key pair and is never deleted.
func (s *Service) EnsureSite(ctx context.Context, host string) (*Site, error) {
	if site, err := s.SiteByHost(ctx, host); err == nil {
		return site, nil
	} else if !errors.Is(err, ErrSiteNotFound) {
		return nil, err
	}

	pubPem, privPem, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(
		ctx,
		`insert into sites(host, webhook_secret) values(?, ?)`,
		host,
		uuid.NewString(),
	)
	if err != nil {
		// lost the race to a concurrent first request
		if site, err2 := s.SiteByHost(ctx, host); err2 == nil {
			return site, nil
		}
		return nil, fmt.Errorf("failed to insert site %s: %w", host, err)
	}

	siteID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	apID := ap.ActorID(host, DefaultHandle)
	res, err = tx.ExecContext(
		ctx,
		`insert into accounts(uuid, username, name, ap_id, ap_id_hash, ap_inbox, ap_shared_inbox, ap_outbox, ap_followers, ap_following, ap_liked, public_key, private_key, domain, domain_hash) values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		DefaultHandle,
		host,
		apID,
		ap.IDHash(apID),
		fmt.Sprintf("https://%s%s/inbox/%s", host, ap.Prefix, DefaultHandle),
		fmt.Sprintf("https://%s%s/inbox", host, ap.Prefix),
		fmt.Sprintf("https://%s%s/outbox/%s", host, ap.Prefix, DefaultHandle),
		fmt.Sprintf("https://%s%s/followers/%s", host, ap.Prefix, DefaultHandle),
		fmt.Sprintf("https://%s%s/following/%s", host, ap.Prefix, DefaultHandle),
		fmt.Sprintf("https://%s%s/liked/%s", host, ap.Prefix, DefaultHandle),
		pubPem,
		privPem,
		host,
		ap.DomainHash(host),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert default account for %s: %w", host, err)
	}

	accountID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `insert into users(account_id, site_id) values(?, ?)`, accountID, siteID); err != nil {
		return nil, fmt.Errorf("failed to insert user for %s: %w", host, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.SiteByHost(ctx, host)
}

// DefaultAccount returns the site's single internal account.
func (s *Service) DefaultAccount(ctx context.Context, site *Site) (*Account, error) {
	rows, err := s.DB.QueryContext(ctx, `select `+accountColumns+accountFrom+`where users.site_id = ?`, site.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, err
	}

	switch len(accounts) {
	case 0:
		return nil, ErrNoDefaultAccount
	case 1:
		return accounts[0], nil
	default:
		return nil, ErrMultipleUsers
	}
}
