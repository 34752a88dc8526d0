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
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/data"
)

// accept completes an outbound follow request: the follow edge is recorded
// once the remote side approves it.
func (p *Processor) accept(ctx context.Context, activity *ap.Activity) error {
	follow, err := p.innerFollow(ctx, activity)
	if err != nil {
		return err
	}
	if follow == nil {
		slog.WarnContext(ctx, "Dropping accept of unknown follow", "activity", activity.ID)
		return nil
	}

	follower, err := internalByID(ctx, p.Accounts, follow.Actor)
	if errors.Is(err, account.ErrNotFound) || errors.Is(err, account.ErrNotInternal) {
		slog.WarnContext(ctx, "Dropping accept of foreign follow", "activity", activity.ID, "follower", follow.Actor)
		return nil
	} else if err != nil {
		return err
	}

	// the accepting actor must be the one the follow was addressed to
	if ap.CanonicalID(follow.ObjectID()) != ap.CanonicalID(activity.Actor) {
		slog.WarnContext(ctx, "Dropping accept by mismatched actor", "activity", activity.ID, "actor", activity.Actor, "object", follow.ObjectID())
		return nil
	}

	following, err := p.Accounts.EnsureByAPID(ctx, activity.Actor)
	if err != nil {
		return err
	}

	return p.Accounts.Follow(ctx, follower, following)
}

// innerFollow recovers the follow activity an Accept or Reject refers to:
// either embedded, or one of ours by IRI.
func (p *Processor) innerFollow(ctx context.Context, activity *ap.Activity) (*ap.Activity, error) {
	switch v := activity.Object.(type) {
	case *ap.Activity:
		if v.Type == ap.Follow {
			return v, nil
		}
		return nil, nil

	case string:
		raw, err := p.Store.Get(ctx, v)
		if errors.Is(err, data.ErrKeyNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}

		var follow ap.Activity
		if err := json.Unmarshal(raw, &follow); err != nil {
			return nil, err
		}
		if follow.Type != ap.Follow {
			return nil, nil
		}
		return &follow, nil

	default:
		return nil, nil
	}
}
