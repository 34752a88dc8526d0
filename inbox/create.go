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
	"github.com/fedpress/fedpress/fed"
	"github.com/fedpress/fedpress/notification"
	"github.com/fedpress/fedpress/post"
)

// create stores a received post. Replies to posts by this site's users leave
// a notification.
func (p *Processor) create(ctx context.Context, activity *ap.Activity) error {
	var stored *post.Post
	var err error

	switch v := activity.Object.(type) {
	case *ap.Object:
		stored, err = p.Posts.StoreObject(ctx, v)

	case string:
		stored, err = p.Posts.GetByApId(ctx, v)

	default:
		slog.WarnContext(ctx, "Dropping create of unsupported object", "activity", activity.ID)
		return nil
	}

	if errors.Is(err, post.ErrNotAPost) || errors.Is(err, post.ErrMissingAuthor) || errors.Is(err, fed.ErrNotFound) {
		slog.WarnContext(ctx, "Dropping create", "activity", activity.ID, "error", err)
		return nil
	} else if err != nil {
		return err
	}

	if stored.InReplyTo == 0 {
		return nil
	}

	parent, err := p.Posts.Repo.ByID(ctx, stored.InReplyTo)
	if err != nil {
		return err
	}

	if parent.Author.IsInternal() && !stored.Author.IsInternal() {
		p.notify(ctx, parent.Author, notification.Reply, stored.Author, stored.ID, parent.ID)
	}

	return nil
}
