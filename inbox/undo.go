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
)

// undo retracts an earlier follow, announce or like by the same actor.
func (p *Processor) undo(ctx context.Context, activity *ap.Activity) error {
	inner, ok := activity.Object.(*ap.Activity)
	if !ok {
		slog.WarnContext(ctx, "Dropping undo without embedded activity", "activity", activity.ID)
		return nil
	}

	actor, err := p.Accounts.ByAPID(ctx, activity.Actor)
	if errors.Is(err, account.ErrNotFound) {
		slog.DebugContext(ctx, "Dropping undo by unknown actor", "activity", activity.ID, "actor", activity.Actor)
		return nil
	} else if err != nil {
		return err
	}

	switch inner.Type {
	case ap.Follow:
		following, err := p.Accounts.ByAPID(ctx, inner.ObjectID())
		if errors.Is(err, account.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return p.Accounts.RecordUnfollow(ctx, following, actor)

	case ap.Announce:
		_, err := p.Posts.DerepostByApId(ctx, actor, inner.ObjectID())
		return err

	case ap.Like:
		_, err := p.Posts.UnlikeByApId(ctx, actor, inner.ObjectID())
		return err

	default:
		slog.WarnContext(ctx, "Dropping undo of unsupported activity", "activity", activity.ID, "type", inner.Type)
		return nil
	}
}
