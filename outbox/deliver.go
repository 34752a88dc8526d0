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

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fedpress/fedpress/data"
	"github.com/fedpress/fedpress/mq"
)

// RegisterQueue subscribes delivery to the queue topics it consumes.
func (s *Service) RegisterQueue(q *mq.Queue) {
	q.Handle(s.Config.MQTopicName, s.handleDelivery)
	if s.Config.MQUseRetryTopic {
		q.Handle(s.Config.MQRetryTopicName, s.handleDelivery)
	}
}

// handleDelivery sends one stored activity to one inbox. Deliveries whose
// activity or sender no longer exists are dropped.
func (s *Service) handleDelivery(ctx context.Context, payload json.RawMessage) error {
	var d delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		return fmt.Errorf("failed to decode delivery: %w", err)
	}

	raw, err := s.Store.Get(ctx, d.ActivityID)
	if errors.Is(err, data.ErrKeyNotFound) {
		slog.WarnContext(ctx, "Dropping delivery of missing activity", "activity", d.ActivityID, "inbox", d.Inbox)
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to load %s: %w", d.ActivityID, err)
	}

	key, err := s.Accounts.KeyPair(ctx, d.From)
	if err != nil {
		return fmt.Errorf("failed to load key for %s: %w", d.ActivityID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.Config.DeliveryTimeout)
	defer cancel()

	return s.Resolver.Send(ctx, key, d.ActivityID, d.Inbox, raw)
}
