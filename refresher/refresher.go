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

// Package refresher keeps mirrored interaction counts of remote posts fresh.
// Posts are refreshed on a sliding schedule: the older a post, the less
// often its counts are fetched again.
package refresher

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fedpress/fedpress/cfg"
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/post"
	"golang.org/x/time/rate"
)

type Refresher struct {
	DB       *sql.DB
	Config   *cfg.Config
	Posts    *post.Repository
	Resolver post.ObjectResolver
	Log      *slog.Logger
}

// Run refreshes due posts periodically until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	t := time.NewTicker(r.Config.RefresherInterval)
	defer t.Stop()

	for {
		if _, err := r.Refresh(ctx); err != nil {
			r.Log.Error("Failed to refresh interaction counts", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil

		case <-t.C:
		}
	}
}

// due returns the IDs of external posts whose counts are stale. A post is
// stale when its last refresh is older than the allowance of its age band:
// 10 minutes within the first 6 hours after publication, then 2 hours up to
// a day, 6 hours up to a week and 24 hours beyond that.
func (r *Refresher) due(ctx context.Context) ([]int64, error) {
	rows, err := r.DB.QueryContext(
		ctx,
		`select posts.id from posts
		join accounts on accounts.id = posts.author_id
		left join users on users.account_id = accounts.id
		where users.id is null and posts.deleted_at is null and posts.published_at is not null
		and unixepoch() - ifnull(posts.updated_at, posts.published_at) > case
			when unixepoch() - posts.published_at < 60*60*6 then 60*10
			when unixepoch() - posts.published_at < 60*60*24 then 60*60*2
			when unixepoch() - posts.published_at < 60*60*24*7 then 60*60*6
			else 60*60*24
		end
		order by posts.published_at desc`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// Refresh fetches fresh counts for every due post and reports how many
// refreshes failed. Fetches are capped by a token bucket and a bounded
// worker count.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	ids, err := r.due(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	r.Log.Info("Refreshing interaction counts", "posts", len(ids))

	limiter := rate.NewLimiter(rate.Every(r.Config.RefresherDelay), 1)
	sem := make(chan struct{}, r.Config.RefresherConcurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := r.refresh(ctx, id); err != nil {
				r.Log.Warn("Failed to refresh post", "id", id, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return failed, nil
}

func (r *Refresher) refresh(ctx context.Context, id int64) error {
	p, err := r.Posts.ByID(ctx, id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.Config.ResolverTimeout)
	defer cancel()

	o, err := r.Resolver.LookupObject(ctx, p.APID)
	if errors.Is(err, fed.ErrNotFound) {
		// tombstoning is the inbox's job, a vanished post just stops refreshing
		return r.touch(ctx, id)
	} else if err != nil {
		return err
	}

	if likes, counted := o.Likes.Count(); counted {
		p.LikeCount = likes
	}
	if shares, counted := o.Shares.Count(); counted {
		p.RepostCount = shares
	}

	return r.Posts.Save(ctx, p)
}

// touch advances the refresh clock without changing the row.
func (r *Refresher) touch(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `update posts set updated_at = unixepoch() where id = ?`, id)
	return err
}
