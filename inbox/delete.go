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
)

// delete tombstones a post, or an entire actor when an account deletes
// itself. Deletes of unknown objects are dropped.
func (p *Processor) delete(ctx context.Context, activity *ap.Activity) error {
	id := activity.ObjectID()

	deleter, err := p.Accounts.ByAPID(ctx, activity.Actor)
	if errors.Is(err, account.ErrNotFound) {
		slog.DebugContext(ctx, "Dropping delete by unknown actor", "activity", activity.ID, "actor", activity.Actor)
		return nil
	} else if err != nil {
		return err
	}

	p.invalidate(ctx, id)

	if ap.CanonicalID(id) == ap.CanonicalID(activity.Actor) {
		return p.deleteActor(ctx, deleter)
	}

	return p.Posts.DeleteByApId(ctx, deleter, id)
}

// deleteActor erases an account that deleted itself: its posts become
// tombstones and its follow edges disappear.
func (p *Processor) deleteActor(ctx context.Context, a *account.Account) error {
	slog.InfoContext(ctx, "Deleting actor", "actor", a.APID)

	rows, err := p.DB.QueryContext(ctx, `select ap_id from posts where author_id = ? and deleted_at is null`, a.ID)
	if err != nil {
		return fmt.Errorf("failed to list posts by %s: %w", a.APID, err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range ids {
		if err := p.Posts.DeleteByApId(ctx, a, id); err != nil {
			return err
		}
	}

	if _, err := p.DB.ExecContext(ctx, `delete from follows where follower_id = $1 or following_id = $1`, a.ID); err != nil {
		return fmt.Errorf("failed to sever follows of %s: %w", a.APID, err)
	}

	if _, err := p.DB.ExecContext(ctx, `delete from feeds where author_id = $1 or reposted_by_id = $1`, a.ID); err != nil {
		return fmt.Errorf("failed to clean feeds of %s: %w", a.APID, err)
	}

	return nil
}
