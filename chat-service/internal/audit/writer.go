// Package audit keeps the versioned, append-only MessageLog and exports it.
package audit

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/crypto"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/lock"
	"github.com/weiawesome/incident-chat/pkg/database"
	"github.com/weiawesome/incident-chat/pkg/log"
)

const defaultMaxRetries = 5

// Mirror receives committed audit rows in their stored (sealed) form.
// Enqueue must not block.
type Mirror interface {
	Enqueue(row domain.MessageLogModel)
}

// Writer appends MessageLog versions. There is no update or delete path.
type Writer struct {
	db         *gorm.DB
	cipher     crypto.Cipher
	locks      *lock.KeyedMutex[uint]
	mirror     Mirror
	maxRetries int
	now        func() time.Time
}

type Option func(*Writer)

func WithMirror(m Mirror) Option {
	return func(w *Writer) { w.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

func NewWriter(db *gorm.DB, cipher crypto.Cipher, opts ...Option) *Writer {
	if cipher == nil {
		cipher = crypto.NopCipher{}
	}
	w := &Writer{
		db:         db,
		cipher:     cipher,
		locks:      lock.NewKeyedMutex[uint](),
		maxRetries: defaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record appends the next version for msg in its own transaction.
func (w *Writer) Record(ctx context.Context, msg *domain.Message) (*domain.LogEntry, error) {
	unlock := w.locks.Lock(msg.ID)
	defer unlock()

	var row *domain.MessageLogModel
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = w.insertVersion(ctx, tx, msg)
		return err
	})
	if err != nil {
		return nil, domain.NewError("audit.record", domain.PersistenceFailure, "failed to record audit entry", err)
	}

	w.AfterCommit(*row)
	return w.toEntry(row, msg.Content, ""), nil
}

// RecordTx appends the next version inside the caller's transaction. The
// caller hands the returned row to AfterCommit once the transaction commits.
func (w *Writer) RecordTx(ctx context.Context, tx *gorm.DB, msg *domain.Message) (*domain.MessageLogModel, error) {
	unlock := w.locks.Lock(msg.ID)
	defer unlock()

	row, err := w.insertVersion(ctx, tx, msg)
	if err != nil {
		return nil, domain.NewError("audit.record", domain.PersistenceFailure, "failed to record audit entry", err)
	}
	return row, nil
}

// AfterCommit forwards committed rows to the mirror, if any.
func (w *Writer) AfterCommit(rows ...domain.MessageLogModel) {
	if w.mirror == nil {
		return
	}
	for _, row := range rows {
		w.mirror.Enqueue(row)
	}
}

// insertVersion computes count+1 and inserts under a savepoint, retrying when
// another writer claimed the same version first.
func (w *Writer) insertVersion(ctx context.Context, tx *gorm.DB, msg *domain.Message) (*domain.MessageLogModel, error) {
	l := log.Ctx(ctx)

	sealed, err := w.cipher.Seal(msg.Content)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		row := &domain.MessageLogModel{
			MessageID:  msg.ID,
			ThreadID:   msg.ThreadID,
			SenderID:   msg.SenderID,
			Content:    sealed,
			Structured: msg.Structured,
			Timestamp:  w.now(),
		}

		err := tx.Transaction(func(stx *gorm.DB) error {
			var count int64
			if err := stx.Model(&domain.MessageLogModel{}).Where("message_id = ?", msg.ID).Count(&count).Error; err != nil {
				return err
			}
			row.Version = int(count) + 1
			return stx.Create(row).Error
		})
		if err == nil {
			return row, nil
		}
		if !database.IsUniqueViolation(err) || attempt >= w.maxRetries {
			return nil, err
		}
		l.Debug().Err(err).Uint(log.FieldMessageID, msg.ID).Int("attempt", attempt+1).Msg("audit version conflict, retrying")
	}
}

// List returns a thread's log entries in log order with plaintext content.
func (w *Writer) List(ctx context.Context, threadID uint) ([]domain.LogEntry, error) {
	var rows []domain.MessageLogModel
	err := w.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("timestamp ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, domain.NewError("audit.list", domain.PersistenceFailure, "failed to load audit log", err)
	}
	return w.entries(ctx, rows)
}

// History returns every version of one message, oldest first.
func (w *Writer) History(ctx context.Context, messageID uint) ([]domain.LogEntry, error) {
	var rows []domain.MessageLogModel
	err := w.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, domain.NewError("audit.history", domain.PersistenceFailure, "failed to load audit log", err)
	}
	return w.entries(ctx, rows)
}

func (w *Writer) entries(ctx context.Context, rows []domain.MessageLogModel) ([]domain.LogEntry, error) {
	ids := make([]uint, 0, len(rows))
	seen := make(map[uint]bool)
	for _, r := range rows {
		if !seen[r.SenderID] {
			seen[r.SenderID] = true
			ids = append(ids, r.SenderID)
		}
	}

	names := make(map[uint]string, len(ids))
	if len(ids) > 0 {
		var users []domain.User
		if err := w.db.WithContext(ctx).Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
			return nil, domain.NewError("audit.list", domain.PersistenceFailure, "failed to load senders", err)
		}
		for _, u := range users {
			names[u.ID] = u.Username
		}
	}

	out := make([]domain.LogEntry, 0, len(rows))
	for i := range rows {
		content, err := w.cipher.Open(rows[i].Content)
		if err != nil {
			return nil, domain.NewError("audit.list", domain.PersistenceFailure, "failed to decrypt audit entry", err)
		}
		out = append(out, *w.toEntry(&rows[i], content, names[rows[i].SenderID]))
	}
	return out, nil
}

func (w *Writer) toEntry(row *domain.MessageLogModel, content, sender string) *domain.LogEntry {
	return &domain.LogEntry{
		ID:         row.ID,
		MessageID:  row.MessageID,
		ThreadID:   row.ThreadID,
		SenderID:   row.SenderID,
		Sender:     sender,
		Content:    content,
		Structured: row.Structured,
		Timestamp:  row.Timestamp,
		Version:    row.Version,
	}
}
