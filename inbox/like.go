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

package inbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/post"
)

// like records a like on a stored post. Likes on posts this server never saw
// are dropped.
func (p *Processor) like(ctx context.Context, activity *ap.Activity) error {
	target, err := p.Posts.ByApId(ctx, activity.ObjectID())
	if errors.Is(err, post.ErrNotFound) {
		slog.DebugContext(ctx, "Dropping like of unknown post", "activity", activity.ID, "object", activity.ObjectID())
		return nil
	} else if err != nil {
		return err
	}

	liker, err := p.Accounts.EnsureByAPID(ctx, activity.Actor)
	if err != nil {
		return err
	}

	if ok, err := p.canInteract(ctx, liker, target.Author); err != nil {
		return err
	} else if !ok {
		slog.DebugContext(ctx, "Dropping like from blocked account", "activity", activity.ID, "liker", liker.APID)
		return nil
	}

	target.AddLike(liker.ID)
	if err := p.Posts.Repo.Save(ctx, target); err != nil {
		return err
	}

	if target.Author.IsInternal() {
		p.notify(ctx, target.Author, notification.Like, liker, target.ID, 0)
	}

	return nil
}
