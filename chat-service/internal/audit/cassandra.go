package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/weiawesome/incident-chat/chat-service/internal/config"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/pkg/log"
)

const cassandraTable = `
CREATE TABLE IF NOT EXISTS message_logs_by_thread (
	thread_id bigint,
	message_id bigint,
	version int,
	sender_id bigint,
	content text,
	structured text,
	logged_at timestamp,
	PRIMARY KEY ((thread_id), message_id, version)
) WITH CLUSTERING ORDER BY (message_id ASC, version ASC)`

// CassandraMirror copies committed audit rows into Cassandra from a
// background worker. Rows are dropped, with a warning, when the queue is full.
type CassandraMirror struct {
	session *gocql.Session
	queue   chan domain.MessageLogModel
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// NewCassandraMirror connects to the cluster and starts the worker.
func NewCassandraMirror(cfg config.CassandraConfig, queueSize int) (*CassandraMirror, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}

	if queueSize <= 0 {
		queueSize = 1024
	}
	m := &CassandraMirror{
		session: session,
		queue:   make(chan domain.MessageLogModel, queueSize),
		timeout: cfg.Timeout,
	}
	if err := m.session.Query(cassandraTable).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to ensure audit table: %w", err)
	}

	m.wg.Add(1)
	go m.run()
	return m, nil
}

func (m *CassandraMirror) Enqueue(row domain.MessageLogModel) {
	select {
	case m.queue <- row:
	default:
		l := log.L()
		l.Warn().Uint(log.FieldMessageID, row.MessageID).Int("version", row.Version).Msg("audit mirror queue full, row dropped")
	}
}

func (m *CassandraMirror) run() {
	defer m.wg.Done()
	l := log.L()

	for row := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := m.session.Query(`
			INSERT INTO message_logs_by_thread (
				thread_id, message_id, version, sender_id, content, structured, logged_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			int64(row.ThreadID),
			int64(row.MessageID),
			row.Version,
			int64(row.SenderID),
			row.Content,
			string(row.Structured),
			row.Timestamp,
		).WithContext(ctx).Exec()
		cancel()
		if err != nil {
			l.Error().Err(err).Uint(log.FieldMessageID, row.MessageID).Str("kind", domain.CollaboratorFailure.String()).Msg("failed to mirror audit row")
		}
	}
}

// Close drains the queue and closes the session.
func (m *CassandraMirror) Close() {
	m.once.Do(func() {
		close(m.queue)
		m.wg.Wait()
		m.session.Close()
	})
}

// parseConsistency converts a string consistency level to gocql.Consistency.
func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}
