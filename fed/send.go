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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedpress/fedpress/httpsig"
	"github.com/fedpress/fedpress/mq"
)

// Send delivers a signed activity to an inbox. A response outside 2xx is
// returned as a [mq.StatusError] so the queue can tell permanent rejections
// from transient ones.
func (r *Resolver) Send(ctx context.Context, key httpsig.Key, activityID, inbox string, body []byte) error {
	if inbox == "" {
		return fmt.Errorf("cannot send %s: empty inbox", activityID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cannot send %s to %s: %w", activityID, inbox, err)
	}

	if err := r.checkURL(req.URL); err != nil {
		return err
	}

	if req.URL.Host == r.Domain {
		slog.InfoContext(ctx, "Skipping delivery to this server", "inbox", inbox, "activity", activityID)
		return nil
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/activity+json")

	if err := httpsig.Sign(req, key, body, time.Now()); err != nil {
		return fmt.Errorf("failed to sign %s for %s: %w", activityID, inbox, err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", activityID, inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, io.LimitReader(resp.Body, r.Config.MaxRequestBodySize))
		return &mq.StatusError{
			Code:     resp.StatusCode,
			Status:   http.StatusText(resp.StatusCode),
			Activity: activityID,
			Inbox:    inbox,
		}
	}

	slog.DebugContext(ctx, "Delivered activity", "inbox", inbox, "activity", activityID)
	return nil
}
