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

package fed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/data"
	"github.com/fedpress/fedpress/mq"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Mounter attaches a set of routes to a router. The webhook and admin
// surfaces live in their own packages and are mounted through this
// interface.
type Mounter interface {
	Mount(r chi.Router)
}

// Listener serves the federation endpoints: inbox POSTs, actor and
// collection GETs, stored activity documents, WebFinger and NodeInfo.
type Listener struct {
	Domain   string
	Config   *cfg.Config
	DB       *sql.DB
	Store    data.Store
	Accounts *account.Service
	Queue    *mq.Queue
	Log      *slog.Logger

	Webhooks Mounter
	Admin    Mounter
}

// Router builds the HTTP routing table.
func (l *Listener) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/.well-known/webfinger", l.handleWebFinger)
	r.Get("/.well-known/nodeinfo", l.handleWellKnownNodeInfo)
	r.Get("/.well-known/host-meta", l.handleHostMeta)
	r.Get("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /\n"))
	})

	r.Route(ap.Prefix, func(r chi.Router) {
		r.Post("/inbox", l.handleInbox)
		r.Post("/inbox/{handle}", l.handleInbox)

		r.Get("/users/{handle}", l.handleActor)
		r.Get("/followers/{handle}", l.handleFollowers)
		r.Get("/following/{handle}", l.handleFollowing)
		r.Get("/outbox/{handle}", l.handleOutbox)
		r.Get("/liked/{handle}", l.handleLiked)

		r.Get("/{kind:article|note|follow|accept|create|update|like|announce|undo|delete|reject}/{id}", l.handleObject)

		r.Get("/nodeinfo/2.1", l.handleNodeInfo)

		r.Post("/pubsub/ghost/push", l.handlePush(mq.InboxTopic))
		r.Post("/pubsub/fedify/push", l.handlePush(l.Config.MQTopicName))

		if l.Webhooks != nil {
			l.Webhooks.Mount(r)
		}
		if l.Admin != nil {
			l.Admin.Mount(r)
		}
	})

	return r
}

// ListenAndServe serves HTTP until ctx is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	server := http.Server{
		Addr:    fmt.Sprintf(":%d", l.Config.Port),
		Handler: l.Router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	l.Log.Info("Listening", "addr", server.Addr, "domain", l.Domain)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
