// Package rescan implements the background rescan work queue of spec §9's
// Design Notes: when the rule database changes version, every existing
// connection stream persisted against an older version is a candidate
// for a rescan against the new patterns. Work items are (connection_id,
// target_version) pairs published to NATS and drained by a worker pool,
// grounded directly on predixaAI-backend's bus.Publisher (connect once,
// marshal to JSON, fire-and-forget publish) plus a matching subscriber
// side the teacher's module never needed.
package rescan

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/rowid"
)

const subject = "caronte.rescan"

// Task is one unit of rescan work.
type Task struct {
	ConnectionID   rowid.RowID `json:"connection_id"`
	TargetVersion  uint64      `json:"target_version"`
}

// Queue publishes and consumes rescan Tasks over a NATS connection.
type Queue struct {
	conn *nats.Conn
	log  *logrus.Entry
}

// Connect dials url and returns a ready Queue.
func Connect(url string, log *logrus.Entry) (*Queue, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindTransient, "connect to rescan queue", err)
	}
	return &Queue{conn: conn, log: log}, nil
}

// Close drains in-flight publishes before disconnecting.
func (q *Queue) Close() {
	if q.conn == nil {
		return
	}
	q.conn.Drain()
	q.conn.Close()
}

// Enqueue publishes one rescan Task. Publishing is fire-and-forget: a
// dropped task only delays a rescan, it never corrupts state, since the
// Rule Registry's version is durable and a rescan can always be
// re-triggered by re-enumerating connections whose documents carry a
// stale database_version.
func (q *Queue) Enqueue(task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "marshal rescan task", err)
	}
	if err := q.conn.Publish(subject, data); err != nil {
		return caronteerr.Wrap(caronteerr.KindTransient, "publish rescan task", err)
	}
	return nil
}

// EnqueueAll publishes one Task per connection id.
func (q *Queue) EnqueueAll(ids []rowid.RowID, targetVersion uint64) error {
	for _, id := range ids {
		if err := q.Enqueue(Task{ConnectionID: id, TargetVersion: targetVersion}); err != nil {
			return err
		}
	}
	return nil
}

// Handler processes one rescan Task.
type Handler func(ctx context.Context, task Task) error

// Subscribe starts a queue-group subscriber so multiple worker processes
// can share the rescan backlog without double-processing a task.
func (q *Queue) Subscribe(ctx context.Context, group string, handle Handler) (*nats.Subscription, error) {
	sub, err := q.conn.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		var task Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			q.log.WithError(err).Warn("dropping malformed rescan task")
			return
		}
		if err := handle(ctx, task); err != nil {
			q.log.WithError(err).WithField("connection_id", task.ConnectionID).Error("rescan task failed")
		}
	})
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "subscribe to rescan queue", err)
	}
	return sub, nil
}
