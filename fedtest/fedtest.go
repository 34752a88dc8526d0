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

// Package fedtest wires a full in-process server around a throwaway
// database, with remote servers replaced by in-memory fakes.
package fedtest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/data"
	"github.com/fedpress/fedpress/events"
	"github.com/fedpress/fedpress/feed"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/inbox"
	"github.com/fedpress/fedpress/migrations"
	"github.com/fedpress/fedpress/moderation"
	"github.com/fedpress/fedpress/mq"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/outbox"
	"github.com/fedpress/fedpress/post"
	_ "github.com/mattn/go-sqlite3"
)

// Domain is the host every test server pretends to be.
const Domain = "site.example"

// Directory fakes the rest of the fediverse: actors and objects are looked
// up in memory instead of over HTTP.
type Directory struct {
	Actors  map[string]*ap.Actor
	Objects map[string]*ap.Object
}

func NewDirectory() *Directory {
	return &Directory{
		Actors:  map[string]*ap.Actor{},
		Objects: map[string]*ap.Object{},
	}
}

func (d *Directory) LookupActor(ctx context.Context, iri string) (*ap.Actor, error) {
	if a, ok := d.Actors[iri]; ok {
		return a, nil
	}
	for _, a := range d.Actors {
		if a.PublicKey.ID == iri {
			return a, nil
		}
	}
	return nil, fmt.Errorf("failed to fetch %s: %w", iri, fed.ErrNotFound)
}

func (d *Directory) LookupObject(ctx context.Context, iri string) (*ap.Object, error) {
	if o, ok := d.Objects[iri]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("failed to fetch %s: %w", iri, fed.ErrNotFound)
}

// Server is a fully wired instance around a temporary database.
type Server struct {
	Config        *cfg.Config
	DB            *sql.DB
	Bus           *events.Bus
	Queue         *mq.Queue
	Store         data.Store
	Accounts      *account.Service
	Moderation    *moderation.Service
	Repo          *post.Repository
	Posts         *post.Service
	Outbox        *outbox.Service
	Feeds         *feed.Service
	Notifications *notification.Service
	Inbox         *inbox.Processor
	Directory     *Directory

	Site *account.Site
	Self *account.Account

	dbPath string
}

func NewServer(t *testing.T) *Server {
	t.Helper()

	f, err := os.CreateTemp("", "fedpress-*.sqlite3")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	f.Close()

	var config cfg.Config
	config.Domain = Domain
	config.FillDefaults()

	db, err := sql.Open("sqlite3", f.Name()+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	ctx := context.Background()
	if err := migrations.Run(ctx, db); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	bus := events.NewBus()
	queue := mq.NewQueue(db, &config, log)
	directory := NewDirectory()

	accounts := &account.Service{DB: db, Domain: Domain, Config: &config, Bus: bus, Resolver: directory}

	site, err := accounts.EnsureSite(ctx, Domain)
	if err != nil {
		t.Fatalf("failed to create site: %v", err)
	}

	self, err := accounts.DefaultAccount(ctx, site)
	if err != nil {
		t.Fatalf("failed to fetch default account: %v", err)
	}

	mod := &moderation.Service{DB: db, Bus: bus}
	repo := &post.Repository{DB: db, Bus: bus, Accounts: accounts}
	posts := &post.Service{
		Repo:       repo,
		Accounts:   accounts,
		Moderation: mod,
		Resolver:   directory,
		Config:     &config,
		Domain:     Domain,
	}

	store := &data.SQLStore{DB: db}

	sender := &outbox.Service{
		Domain:   Domain,
		Config:   &config,
		Store:    store,
		Queue:    queue,
		Bus:      bus,
		Accounts: accounts,
		Resolver: &fed.Resolver{
			Domain: Domain,
			Config: &config,
			Client: clientFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusAccepted, Body: http.NoBody}, nil
			}),
		},
	}
	sender.Register()
	sender.RegisterQueue(queue)

	feeds := &feed.Service{DB: db, Config: &config, Bus: bus, Posts: repo, Accounts: accounts}
	feeds.Register()

	notifications := &notification.Service{DB: db, Accounts: accounts}

	processor := &inbox.Processor{
		Domain:        Domain,
		Config:        &config,
		DB:            db,
		Store:         store,
		Accounts:      accounts,
		Posts:         posts,
		Moderation:    mod,
		Outbox:        sender,
		Notifications: notifications,
	}
	processor.Register(queue)

	s := &Server{
		Config:        &config,
		DB:            db,
		Bus:           bus,
		Queue:         queue,
		Store:         store,
		Accounts:      accounts,
		Moderation:    mod,
		Repo:          repo,
		Posts:         posts,
		Outbox:        sender,
		Feeds:         feeds,
		Notifications: notifications,
		Inbox:         processor,
		Directory:     directory,
		Site:          site,
		Self:          self,
		dbPath:        f.Name(),
	}

	t.Cleanup(s.Shutdown)
	return s
}

func (s *Server) Shutdown() {
	s.DB.Close()
	os.Remove(s.dbPath)
}

type clientFunc func(*http.Request) (*http.Response, error)

func (f clientFunc) Do(r *http.Request) (*http.Response, error) {
	return f(r)
}

// NewActor registers a remote actor with the fake directory and returns its
// document.
func (s *Server) NewActor(host, username string) *ap.Actor {
	id := fmt.Sprintf("https://%s/u/%s", host, username)
	actor := &ap.Actor{
		ID:                id,
		Type:              ap.Person,
		PreferredUsername: username,
		Inbox:             id + "/inbox",
		Followers:         id + "/followers",
		PublicKey: ap.PublicKey{
			ID:    id + "#main-key",
			Owner: id,
		},
	}
	s.Directory.Actors[id] = actor
	return actor
}

// NewObject registers a remote post with the fake directory.
func (s *Server) NewObject(author *ap.Actor, t ap.ObjectType, suffix, content string) *ap.Object {
	id := author.ID + "/" + suffix
	o := &ap.Object{
		ID:           id,
		Type:         t,
		AttributedTo: author.ID,
		Content:      content,
		To:           ap.NewAudience(ap.Public),
	}
	s.Directory.Objects[id] = o
	return o
}
