// Package ledger owns the per-thread hash chain of messages.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/crypto"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/lock"
	"github.com/weiawesome/incident-chat/chat-service/internal/metrics"
	"github.com/weiawesome/incident-chat/pkg/database"
	"github.com/weiawesome/incident-chat/pkg/log"
)

const defaultMaxRetries = 3

// ComputeHash returns hex(SHA-256(previousHash || senderID || content)).
func ComputeHash(previousHash string, senderID uint, content string) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write([]byte(strconv.FormatUint(uint64(senderID), 10)))
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// AppendInput describes one message to add to a thread.
type AppendInput struct {
	ThreadID   uint
	SenderID   uint
	Content    string
	Structured database.JSON
	// OnCommit runs after the transaction commits and before the thread lock
	// is released, so callbacks observe commit order.
	OnCommit func(*domain.Message)
}

// Engine appends and verifies hash-chained messages.
type Engine struct {
	db         *gorm.DB
	cipher     crypto.Cipher
	audit      *audit.Writer
	locks      *lock.KeyedMutex[uint]
	sf         singleflight.Group
	now        func() time.Time
	maxRetries int
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(db *gorm.DB, cipher crypto.Cipher, auditWriter *audit.Writer, opts ...Option) *Engine {
	if cipher == nil {
		cipher = crypto.NopCipher{}
	}
	e := &Engine{
		db:         db,
		cipher:     cipher,
		audit:      auditWriter,
		locks:      lock.NewKeyedMutex[uint](),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Append links a new message to the end of its thread's chain and records
// audit version 1 in the same transaction. Appends to one thread are
// serialized; other threads proceed in parallel. The unique (thread_id, seq)
// index turns a race with another process into a retry.
func (e *Engine) Append(ctx context.Context, in AppendInput) (*domain.Message, error) {
	l := log.Ctx(ctx)

	unlock := e.locks.Lock(in.ThreadID)
	defer unlock()

	var (
		msg    *domain.Message
		logRow *domain.MessageLogModel
	)
	for attempt := 0; ; attempt++ {
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			msg, logRow, err = e.appendTx(ctx, tx, in)
			return err
		})
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrThreadNotFound) {
			return nil, domain.NewError("ledger.append", domain.ValidationFailure, "thread not found", err)
		}
		if database.IsUniqueViolation(err) && attempt < e.maxRetries {
			l.Debug().Err(err).Uint(log.FieldThreadID, in.ThreadID).Int("attempt", attempt+1).Msg("chain head moved, retrying append")
			continue
		}
		l.Error().Err(err).Uint(log.FieldThreadID, in.ThreadID).Msg("failed to append message")
		return nil, domain.NewError("ledger.append", domain.PersistenceFailure, "failed to save message", err)
	}

	e.audit.AfterCommit(*logRow)
	metrics.MessagesAppended.Inc()
	if in.OnCommit != nil {
		in.OnCommit(msg)
	}
	return msg, nil
}

func (e *Engine) appendTx(ctx context.Context, tx *gorm.DB, in AppendInput) (*domain.Message, *domain.MessageLogModel, error) {
	var thread domain.Thread
	if res := tx.Select("id").Where("id = ?", in.ThreadID).Limit(1).Find(&thread); res.Error != nil {
		return nil, nil, res.Error
	} else if res.RowsAffected == 0 {
		return nil, nil, domain.ErrThreadNotFound
	}

	var last domain.MessageModel
	res := tx.Where("thread_id = ?", in.ThreadID).
		Order("created_at DESC, seq DESC").
		Limit(1).
		Find(&last)
	if res.Error != nil {
		return nil, nil, res.Error
	}

	msg := &domain.Message{
		ThreadID:   in.ThreadID,
		SenderID:   in.SenderID,
		Content:    in.Content,
		Structured: in.Structured,
		Seq:        1,
		CreatedAt:  e.now(),
	}
	if res.RowsAffected > 0 {
		msg.PreviousHash = last.Hash
		msg.Seq = last.Seq + 1
		if msg.CreatedAt.Before(last.CreatedAt) {
			msg.CreatedAt = last.CreatedAt
		}
	}
	msg.Hash = ComputeHash(msg.PreviousHash, msg.SenderID, msg.Content)

	sealed, err := e.cipher.Seal(msg.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("seal content: %w", err)
	}
	model := domain.MessageToModel(msg, sealed)
	if err := tx.Create(model).Error; err != nil {
		return nil, nil, err
	}
	msg.ID = model.ID

	logRow, err := e.audit.RecordTx(ctx, tx, msg)
	if err != nil {
		return nil, nil, err
	}
	return msg, logRow, nil
}

// List returns a thread's messages in chain order with plaintext content.
func (e *Engine) List(ctx context.Context, threadID uint) ([]domain.Message, error) {
	rows, err := e.load(ctx, threadID)
	if err != nil {
		return nil, domain.NewError("ledger.list", domain.PersistenceFailure, "failed to load messages", err)
	}

	out := make([]domain.Message, 0, len(rows))
	for i := range rows {
		content, err := e.cipher.Open(rows[i].Content)
		if err != nil {
			return nil, domain.NewError("ledger.list", domain.PersistenceFailure, "failed to decrypt message", err)
		}
		out = append(out, *rows[i].ToDomain(content))
	}
	return out, nil
}

// Get loads one message with plaintext content.
func (e *Engine) Get(ctx context.Context, messageID uint) (*domain.Message, error) {
	var row domain.MessageModel
	if err := e.db.WithContext(ctx).First(&row, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	content, err := e.cipher.Open(row.Content)
	if err != nil {
		return nil, err
	}
	return row.ToDomain(content), nil
}

func (e *Engine) load(ctx context.Context, threadID uint) ([]domain.MessageModel, error) {
	var rows []domain.MessageModel
	err := e.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, seq ASC").
		Find(&rows).Error
	return rows, err
}
