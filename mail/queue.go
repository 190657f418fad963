package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/remapi/remapi/storage"
)

// ErrNotFound indicates the named message is not in the queue.
var ErrNotFound = errors.New("message not found")

const defaultCollection = "mail.outbox"

// QueueOption configures a Queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	logger     *slog.Logger
	collection string
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) QueueOption {
	return func(c *queueConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCollection overrides the storage collection the queue lives in.
func WithCollection(name string) QueueOption {
	return func(c *queueConfig) {
		if name != "" {
			c.collection = name
		}
	}
}

// Queue persists outbound messages in a storage collection and flushes
// them through a Sender.
type Queue struct {
	store      storage.Store
	sender     Sender
	log        *slog.Logger
	collection string
}

// NewQueue builds a queue over store that delivers through sender.
func NewQueue(store storage.Store, sender Sender, opts ...QueueOption) *Queue {
	cfg := &queueConfig{logger: slog.Default(), collection: defaultCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return &Queue{store: store, sender: sender, log: cfg.logger, collection: cfg.collection}
}

// Compose fills in the message's queue metadata and persists it. A message
// without a UUID gets one.
func (q *Queue) Compose(ctx context.Context, msg *Message) (*Message, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("message has no recipients")
	}
	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	msg.DateQueued = time.Now()
	if err := q.save(ctx, msg); err != nil {
		return nil, err
	}
	q.log.Debug("mail.compose",
		slog.String("uuid", msg.UUID),
		slog.String("subject", msg.Subject))
	return msg, nil
}

// Get retrieves one queued message by uuid.
func (q *Queue) Get(ctx context.Context, id string) (*Message, error) {
	item, err := q.store.Get(ctx, id, storage.WithCollection(q.collection))
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var msg Message
	if err := json.Unmarshal(item.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &msg, nil
}

// Delete removes one queued message by uuid.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.store.Delete(ctx, storage.WithCollection(q.collection), storage.WithKey(id))
}

// List returns every message in the queue, failed ones included.
func (q *Queue) List(ctx context.Context) ([]*Message, error) {
	docs, err := q.store.Find(ctx, nil, storage.WithCollection(q.collection))
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return decodeAll(docs)
}

// Flush attempts delivery of every message that has not previously failed.
// Successes are deleted from the queue when clearQueue is set (leaving them
// is useful for tests); failures stay queued with their attempt count and
// error recorded, and are skipped by subsequent flushes until repaired.
func (q *Queue) Flush(ctx context.Context, clearQueue bool) (*FlushResult, error) {
	docs, err := q.store.Find(ctx, storage.Filter{"lastError": ""}, storage.WithCollection(q.collection))
	if err != nil {
		return nil, fmt.Errorf("find unfailed messages: %w", err)
	}
	pending, err := decodeAll(docs)
	if err != nil {
		return nil, err
	}

	result := &FlushResult{}
	for _, msg := range pending {
		if err := q.sender.Send(ctx, msg); err != nil {
			msg.SendAttempts++
			msg.LastError = err.Error()
			if saveErr := q.save(ctx, msg); saveErr != nil {
				q.log.Error("mail.flush.save_fail",
					slog.String("uuid", msg.UUID),
					slog.String("err", saveErr.Error()))
			}
			q.log.Warn("mail.flush.send_fail",
				slog.String("uuid", msg.UUID),
				slog.String("err", err.Error()))
			result.Failed = append(result.Failed, msg.UUID)
			continue
		}
		q.log.Info("mail.flush.sent", slog.String("uuid", msg.UUID))
		result.Sent = append(result.Sent, msg.UUID)
		if clearQueue {
			if err := q.Delete(ctx, msg.UUID); err != nil {
				q.log.Error("mail.flush.delete_fail",
					slog.String("uuid", msg.UUID),
					slog.String("err", err.Error()))
			}
		}
	}
	return result, nil
}

func (q *Queue) save(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.UUID, err)
	}
	if err := q.store.Set(ctx, msg.UUID, raw, storage.WithCollection(q.collection)); err != nil {
		return fmt.Errorf("store message %s: %w", msg.UUID, err)
	}
	return nil
}

func decodeAll(docs []storage.Document) ([]*Message, error) {
	msgs := make([]*Message, 0, len(docs))
	for _, doc := range docs {
		var msg Message
		if err := json.Unmarshal(doc.Item.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", doc.Key, err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}
