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

// Package mq is a durable at-least-once message queue backed by the database,
// with exponential backoff and permanent-failure classification.
package mq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fedpress/fedpress/cfg"
)

// InboxTopic carries activities received from other servers. Outgoing
// deliveries use the configured topic names instead.
const InboxTopic = "inbox"

// InboxMessage is one received activity with the origin its signature
// proved.
type InboxMessage struct {
	Origin string          `json:"origin"`
	Body   json.RawMessage `json:"body"`
}

// Handler consumes one message. A nil return acknowledges the message; an
// error puts it through Classify.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Queue persists messages and redelivers them until a handler acknowledges
// them or the failure is classified as permanent.
type Queue struct {
	DB      *sql.DB
	Config  *cfg.Config
	Log     *slog.Logger
	topics  []string
	handler map[string]Handler
}

func NewQueue(db *sql.DB, config *cfg.Config, log *slog.Logger) *Queue {
	return &Queue{
		DB:      db,
		Config:  config,
		Log:     log,
		handler: map[string]Handler{},
	}
}

// Handle registers the handler for a topic. Registration must finish before
// Process starts.
func (q *Queue) Handle(topic string, h Handler) {
	if _, dup := q.handler[topic]; dup {
		panic("duplicate handler for " + topic)
	}
	q.handler[topic] = h
	q.topics = append(q.topics, topic)
}

// Publish enqueues a message for delivery.
func (q *Queue) Publish(ctx context.Context, topic string, message any) error {
	buf, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", topic, err)
	}

	if _, err := q.DB.ExecContext(ctx, `insert into queue(topic, payload) values (?, ?)`, topic, string(buf)); err != nil {
		return fmt.Errorf("failed to enqueue message for %s: %w", topic, err)
	}

	return nil
}

// PublishTx enqueues a message inside a caller-owned transaction, so the
// message becomes visible if and only if the transaction commits.
func (q *Queue) PublishTx(ctx context.Context, tx *sql.Tx, topic string, message any) error {
	buf, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", topic, err)
	}

	if _, err := tx.ExecContext(ctx, `insert into queue(topic, payload) values (?, ?)`, topic, string(buf)); err != nil {
		return fmt.Errorf("failed to enqueue message for %s: %w", topic, err)
	}

	return nil
}

// Dispatch runs the handler for a topic once, without touching the queue.
// Push delivery uses it to hand externally queued messages to handlers.
func (q *Queue) Dispatch(ctx context.Context, topic string, payload json.RawMessage) error {
	h, ok := q.handler[topic]
	if !ok {
		return fmt.Errorf("no handler for %s", topic)
	}
	return h(ctx, payload)
}

// Process polls for due messages until ctx is cancelled.
func (q *Queue) Process(ctx context.Context) error {
	q.Log.Info("Polling queue", "topics", q.topics, "interval", q.Config.MQPollingInterval)

	t := time.NewTicker(q.Config.MQPollingInterval)
	defer t.Stop()

	for {
		if _, err := q.ProcessBatch(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil

		case <-t.C:
		}
	}
}

type message struct {
	ID       int64
	Topic    string
	Payload  json.RawMessage
	Attempts int
}

// ProcessBatch handles one batch of due messages and reports how many
// messages it saw.
func (q *Queue) ProcessBatch(ctx context.Context) (int, error) {
	if len(q.topics) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(q.topics)+1)
	for _, topic := range q.topics {
		args = append(args, topic)
	}
	args = append(args, q.Config.MQBatchSize)

	rows, err := q.DB.QueryContext(
		ctx,
		`select id, topic, payload, attempts from queue where topic in (?`+strings.Repeat(", ?", len(q.topics)-1)+`) and next_attempt <= unixepoch() order by id limit ?`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var batch []message
	for rows.Next() {
		var m message
		var payload string
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to fetch messages: %w", err)
	}
	rows.Close()

	for _, m := range batch {
		q.handleMessage(ctx, m)

		select {
		case <-ctx.Done():
			return len(batch), nil

		default:
		}
	}

	return len(batch), nil
}

func (q *Queue) handleMessage(ctx context.Context, m message) {
	err := q.handler[m.Topic](ctx, m.Payload)
	if err == nil {
		if _, err := q.DB.ExecContext(ctx, `delete from queue where id = ?`, m.ID); err != nil {
			q.Log.Error("Failed to remove handled message", "id", m.ID, "error", err)
		}
		return
	}

	attempts := m.Attempts + 1
	outcome := Classify(err)

	if !outcome.Retryable || attempts >= q.Config.MaxDeliveryAttempts {
		level := slog.LevelWarn
		if outcome.Reportable {
			level = slog.LevelError
		}
		q.Log.Log(ctx, level, "Dropping message", "id", m.ID, "topic", m.Topic, "attempts", attempts, "error", err)

		if _, err := q.DB.ExecContext(ctx, `delete from queue where id = ?`, m.ID); err != nil {
			q.Log.Error("Failed to remove dropped message", "id", m.ID, "error", err)
		}
		return
	}

	topic := m.Topic
	if q.Config.MQUseRetryTopic && topic == q.Config.MQTopicName {
		topic = q.Config.MQRetryTopicName
	}

	delay := q.backoff(attempts)
	q.Log.Warn("Retrying message", "id", m.ID, "topic", topic, "attempts", attempts, "delay", delay, "error", err)

	if _, err := q.DB.ExecContext(
		ctx,
		`update queue set topic = ?, attempts = ?, next_attempt = unixepoch() + ? where id = ?`,
		topic,
		attempts,
		int64(delay/time.Second),
		m.ID,
	); err != nil {
		q.Log.Error("Failed to reschedule message", "id", m.ID, "error", err)
	}
}

func (q *Queue) backoff(attempts int) time.Duration {
	delay := time.Second << min(attempts, 30)
	if delay > q.Config.MaxRetryDelay {
		return q.Config.MaxRetryDelay
	}
	return delay
}
