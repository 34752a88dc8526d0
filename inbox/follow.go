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
	"fmt"
	"log/slog"

	"github.com/fedpress/fedpress/account"
	"github.com/fedpress/fedpress/ap"
	"github.com/fedpress/fedpress/notification"
)

// follow handles an inbound follow request: the follow is recorded and
// accepted, unless the target blocks the follower.
func (p *Processor) follow(ctx context.Context, activity *ap.Activity) error {
	target, err := internalByID(ctx, p.Accounts, activity.ObjectID())
	if errors.Is(err, account.ErrNotFound) || errors.Is(err, account.ErrNotInternal) {
		slog.WarnContext(ctx, "Dropping follow of unknown actor", "activity", activity.ID, "object", activity.ObjectID())
		return nil
	} else if err != nil {
		return err
	}

	follower, err := p.Accounts.EnsureByAPID(ctx, activity.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve follower %s: %w", activity.Actor, err)
	}

	if ok, err := p.canInteract(ctx, follower, target); err != nil {
		return err
	} else if !ok {
		slog.InfoContext(ctx, "Rejecting follow from blocked account", "activity", activity.ID, "follower", follower.APID)
		return p.Outbox.Reject(ctx, target, activity, follower)
	}

	if err := p.Accounts.Follow(ctx, follower, target); err != nil {
		return err
	}

	if err := p.Outbox.Accept(ctx, target, activity, follower); err != nil {
		return err
	}

	p.notify(ctx, target, notification.Follow, follower, 0, 0)
	return nil
}
