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

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/post"
)

// update applies a remote edit to a cached actor or post. Edits of objects
// this server never saw are dropped.
func (p *Processor) update(ctx context.Context, activity *ap.Activity) error {
	switch v := activity.Object.(type) {
	case *ap.Actor:
		err := p.Accounts.UpdateFromActor(ctx, v)
		if errors.Is(err, account.ErrNotFound) {
			slog.DebugContext(ctx, "Dropping update of unknown actor", "activity", activity.ID, "actor", v.ID)
			return nil
		}
		if err == nil {
			p.invalidate(ctx, v.ID)
		}
		return err

	case *ap.Object:
		err := p.Posts.UpdateFromObject(ctx, activity.Actor, v)
		if errors.Is(err, post.ErrNotFound) {
			slog.DebugContext(ctx, "Dropping update of unknown post", "activity", activity.ID, "post", v.ID)
			return nil
		}
		if errors.Is(err, post.ErrNotAuthor) {
			slog.WarnContext(ctx, "Dropping update by non-author", "activity", activity.ID, "post", v.ID, "actor", activity.Actor)
			return nil
		}
		if err == nil {
			p.invalidate(ctx, v.ID)
		}
		return err

	default:
		slog.WarnContext(ctx, "Dropping update of unsupported object", "activity", activity.ID)
		return nil
	}
}
