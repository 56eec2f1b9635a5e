// Package receipt records at-most-once read receipts per (message, user).
package receipt

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/lock"
	"github.com/weiawesome/incident-chat/pkg/log"
)

// Result describes one Record call. Recorded is false for the silent no-op
// cases: unknown message, message from another thread, self-read and
// duplicate read.
type Result struct {
	Receipt   *domain.ReadReceipt
	ReadCount int64
	Recorded  bool
}

type Tracker struct {
	db    *gorm.DB
	locks *lock.KeyedMutex[uint]
	now   func() time.Time
}

func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{
		db:    db,
		locks: lock.NewKeyedMutex[uint](),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Record inserts the receipt if absent and counts the message's receipts in
// the same transaction, so the returned count already includes this insert.
// Records for one message are serialized: in process by a per-message lock,
// across processes by a row lock on the message.
func (t *Tracker) Record(ctx context.Context, threadID, messageID, userID uint) (*Result, error) {
	l := log.Ctx(ctx)
	out := &Result{}

	unlock := t.locks.Lock(messageID)
	defer unlock()

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg domain.MessageModel
		res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "thread_id", "sender_id").Where("id = ?", messageID).Limit(1).Find(&msg)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || msg.ThreadID != threadID || msg.SenderID == userID {
			return nil
		}

		receipt := &domain.ReadReceipt{MessageID: messageID, UserID: userID, Timestamp: t.now()}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(receipt)
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&domain.ReadReceipt{}).Where("message_id = ?", messageID).Count(&out.ReadCount).Error; err != nil {
			return err
		}
		out.Receipt = receipt
		out.Recorded = true
		return nil
	})
	if err != nil {
		l.Error().Err(err).Uint(log.FieldMessageID, messageID).Uint(log.FieldUserID, userID).Msg("failed to record read receipt")
		return nil, domain.NewError("receipt.record", domain.PersistenceFailure, "failed to record read receipt", err)
	}
	return out, nil
}

// Count returns the number of receipts for a message.
func (t *Tracker) Count(ctx context.Context, messageID uint) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&domain.ReadReceipt{}).Where("message_id = ?", messageID).Count(&n).Error
	if err != nil {
		return 0, domain.NewError("receipt.count", domain.PersistenceFailure, "failed to count read receipts", err)
	}
	return n, nil
}
