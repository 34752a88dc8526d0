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

// fedpress is the federation server: it connects a hosted publishing site
// to the fediverse.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/admin"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/data"
	"github.com/fedpress/fedpress/events"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/feed"
	"github.com/fedpress/fedpress/httpsig"
	"github.com/fedpress/fedpress/inbox"
	"github.com/fedpress/fedpress/migrations"
	"github.com/fedpress/fedpress/moderation"
	"github.com/fedpress/fedpress/mq"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/outbox"
	"github.com/fedpress/fedpress/post"
	"github.com/fedpress/fedpress/refresher"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
)

func openStore(config *cfg.Config, db *sql.DB) (data.Store, error) {
	if config.KVStoreType != "redis" {
		return &data.SQLStore{DB: db}, nil
	}

	options := &redis.Options{
		Addr: fmt.Sprintf("%s:%d", config.RedisHost, config.RedisPort),
	}

	if config.RedisTLSCert != "" {
		pem, err := os.ReadFile(config.RedisTLSCert)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", config.RedisTLSCert, err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", config.RedisTLSCert)
		}

		options.TLSConfig = &tls.Config{RootCAs: pool}
	}

	return &data.RedisStore{Client: redis.NewClient(options)}, nil
}

func run(ctx context.Context, log *slog.Logger) error {
	config, err := cfg.FromEnv()
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?"+config.DatabaseOptions)
	if err != nil {
		return err
	}
	defer db.Close()

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := migrations.Run(ctx, db); err != nil {
		return err
	}

	store, err := openStore(config, db)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	queue := mq.NewQueue(db, config, log)

	accounts := &account.Service{DB: db, Domain: config.Domain, Config: config, Bus: bus}

	site, err := accounts.EnsureSite(ctx, config.Domain)
	if err != nil {
		return err
	}

	self, err := accounts.DefaultAccount(ctx, site)
	if err != nil {
		return err
	}

	resolver := &fed.Resolver{
		Domain: config.Domain,
		Config: config,
		Client: &http.Client{Timeout: config.ResolverTimeout},
		Key: func(ctx context.Context) (httpsig.Key, error) {
			return accounts.KeyPair(ctx, self.ID)
		},
		Store: store,
	}
	accounts.Resolver = resolver

	mod := &moderation.Service{DB: db, Bus: bus}
	repo := &post.Repository{DB: db, Bus: bus, Accounts: accounts}
	posts := &post.Service{
		Repo:       repo,
		Accounts:   accounts,
		Moderation: mod,
		Resolver:   resolver,
		Config:     config,
		Domain:     config.Domain,
	}

	sender := &outbox.Service{
		Domain:   config.Domain,
		Config:   config,
		Store:    store,
		Queue:    queue,
		Bus:      bus,
		Accounts: accounts,
		Resolver: resolver,
	}
	sender.Register()
	sender.RegisterQueue(queue)

	feeds := &feed.Service{DB: db, Config: config, Bus: bus, Posts: repo, Accounts: accounts}
	feeds.Register()

	notifications := &notification.Service{DB: db, Accounts: accounts}

	var blockList *moderation.BlockList
	if config.BlockListPath != "" {
		if blockList, err = moderation.NewBlockList(log, config.BlockListPath); err != nil {
			return err
		}
		defer blockList.Close()
	}

	processor := &inbox.Processor{
		Domain:        config.Domain,
		Config:        config,
		DB:            db,
		Store:         store,
		Accounts:      accounts,
		Posts:         posts,
		Moderation:    mod,
		Outbox:        sender,
		Notifications: notifications,
		BlockList:     blockList,
	}
	processor.Register(queue)

	listener := &fed.Listener{
		Domain:   config.Domain,
		Config:   config,
		DB:       db,
		Store:    store,
		Accounts: accounts,
		Queue:    queue,
		Log:      log,
		Webhooks: &outbox.WebhookHandler{
			Domain:   config.Domain,
			Config:   config,
			Accounts: accounts,
			Posts:    posts,
			Outbox:   sender,
		},
		Admin: &admin.Service{
			Domain:        config.Domain,
			Config:        config,
			DB:            db,
			Accounts:      accounts,
			Posts:         posts,
			Feeds:         feeds,
			Outbox:        sender,
			Moderation:    mod,
			Notifications: notifications,
			Resolver:      resolver,
			Log:           log,
		},
	}

	counts := &refresher.Refresher{
		DB:       db,
		Config:   config,
		Posts:    repo,
		Resolver: resolver,
		Log:      log,
	}

	var wg sync.WaitGroup

	if !config.UseMQ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := queue.Process(ctx); err != nil {
				log.Error("Queue processing failed", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := counts.Run(ctx); err != nil {
			log.Error("Refresher failed", "error", err)
		}
	}()

	err = listener.ListenAndServe(ctx)
	wg.Wait()
	return err
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
