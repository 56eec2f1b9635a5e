package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/crypto"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/testutil"
)

func newEngine(t *testing.T, cipher crypto.Cipher, opts ...Option) (*Engine, *testutil.Fixture) {
	t.Helper()
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	return NewEngine(db, cipher, audit.NewWriter(db, cipher), opts...), f
}

func TestComputeHash(t *testing.T) {
	sum := sha256.Sum256([]byte("abc" + "7" + "hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), ComputeHash("abc", 7, "hello"))
	assert.NotEqual(t, ComputeHash("", 1, "x"), ComputeHash("", 2, "x"))
}

func TestAppendLinksChain(t *testing.T) {
	e, f := newEngine(t, nil)
	ctx := context.Background()

	first, err := e.Append(ctx, AppendInput{ThreadID: f.Thread.ID, SenderID: f.Alice.ID, Content: "A"})
	require.NoError(t, err)
	second, err := e.Append(ctx, AppendInput{ThreadID: f.Thread.ID, SenderID: f.Bob.ID, Content: "B"})
	require.NoError(t, err)

	assert.Equal(t, "", first.PreviousHash)
	assert.Equal(t, ComputeHash("", f.Alice.ID, "A"), first.Hash)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.Equal(t, ComputeHash(first.Hash, f.Bob.ID, "B"), second.Hash)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)

	report, err := e.VerifyChain(ctx, f.Thread.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Checked)
	assert.NoError(t, report.Err())

	history, err := e.audit.History(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, "B", history[0].Content)
}

func TestChainsArePerThread(t *testing.T) {
	e, f := newEngine(t, nil)
	ctx := context.Background()

	_, err := e.Append(ctx, AppendInput{ThreadID: f.Thread.ID, SenderID: f.Alice.ID, Content: "A"})
	require.NoError(t, err)
	other, err := e.Append(ctx, AppendInput{ThreadID: f.Other.ID, SenderID: f.Carol.ID, Content: "C"})
	require.NoError(t, err)
	assert.Equal(t, "", other.PreviousHash)
	assert.Equal(t, uint64(1), other.Seq)
}

func TestAppendUnknownThread(t *testing.T) {
	e, f := newEngine(t, nil)
	_, err := e.Append(context.Background(), AppendInput{ThreadID: 9999, SenderID: f.Alice.ID, Content: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.ValidationFailure, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)
}

func TestVerifyEmptyThread(t *testing.T) {
	e, f := newEngine(t, nil)
	report, err := e.VerifyChain(context.Background(), f.Thread.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Checked)
}

func seedChain(t *testing.T, e *Engine, threadID, senderID uint, n int) []*domain.Message {
	t.Helper()
	var out []*domain.Message
	for i := 0; i < n; i++ {
		m, err := e.Append(context.Background(), AppendInput{ThreadID: threadID, SenderID: senderID, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, e *Engine, msgs []*domain.Message)
		broken int
		reason string
	}{
		{
			name: "edited content",
			mutate: func(t *testing.T, e *Engine, msgs []*domain.Message) {
				require.NoError(t, e.db.Model(&domain.MessageModel{}).Where("id = ?", msgs[1].ID).Update("content", "forged").Error)
			},
			broken: 1,
			reason: "hash does not match",
		},
		{
			name: "rewritten hash",
			mutate: func(t *testing.T, e *Engine, msgs []*domain.Message) {
				require.NoError(t, e.db.Model(&domain.MessageModel{}).Where("id = ?", msgs[1].ID).Update("hash", "00").Error)
			},
			broken: 1,
			reason: "hash does not match",
		},
		{
			name: "broken link",
			mutate: func(t *testing.T, e *Engine, msgs []*domain.Message) {
				require.NoError(t, e.db.Model(&domain.MessageModel{}).Where("id = ?", msgs[2].ID).Update("previous_hash", "ff").Error)
			},
			broken: 2,
			reason: "previous_hash",
		},
		{
			name: "deleted message",
			mutate: func(t *testing.T, e *Engine, msgs []*domain.Message) {
				require.NoError(t, e.db.Delete(&domain.MessageModel{}, msgs[1].ID).Error)
			},
			broken: 2,
			reason: "sequence gap",
		},
		{
			name: "reordered timestamps",
			mutate: func(t *testing.T, e *Engine, msgs []*domain.Message) {
				require.NoError(t, e.db.Model(&domain.MessageModel{}).Where("id = ?", msgs[0].ID).
					Update("created_at", msgs[2].CreatedAt.Add(time.Hour)).Error)
			},
			broken: 1,
			reason: "sequence gap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, f := newEngine(t, nil)
			msgs := seedChain(t, e, f.Thread.ID, f.Alice.ID, 3)
			tt.mutate(t, e, msgs)

			report, err := e.VerifyChain(context.Background(), f.Thread.ID)
			require.NoError(t, err)
			assert.False(t, report.Valid)
			require.NotNil(t, report.BrokenAt)
			assert.Equal(t, msgs[tt.broken].ID, *report.BrokenAt)
			assert.Contains(t, report.Reason, tt.reason)
			assert.Equal(t, domain.IntegrityViolation, domain.KindOf(report.Err()))
		})
	}
}

func TestCollidingTimestampsKeepStableOrder(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e, f := newEngine(t, nil, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	msgs := seedChain(t, e, f.Thread.ID, f.Alice.ID, 5)
	for _, m := range msgs {
		assert.True(t, m.CreatedAt.Equal(fixed))
	}

	for round := 0; round < 3; round++ {
		listed, err := e.List(ctx, f.Thread.ID)
		require.NoError(t, err)
		require.Len(t, listed, 5)
		for i := range listed {
			assert.Equal(t, msgs[i].ID, listed[i].ID)
		}
	}

	report, err := e.VerifyChain(ctx, f.Thread.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestClockSkewNeverMovesBackwards(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Minute), base.Add(time.Minute)}
	var i int
	e, f := newEngine(t, nil, WithClock(func() time.Time {
		tk := ticks[i]
		i++
		return tk
	}))

	msgs := seedChain(t, e, f.Thread.ID, f.Alice.ID, 3)
	assert.True(t, msgs[1].CreatedAt.Equal(base))
	assert.True(t, msgs[2].CreatedAt.After(msgs[1].CreatedAt))
}

func TestConcurrentAppendsFormOneChain(t *testing.T) {
	e, f := newEngine(t, nil)
	ctx := context.Background()

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed []uint64
	)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Append(ctx, AppendInput{
				ThreadID: f.Thread.ID,
				SenderID: f.Alice.ID,
				Content:  fmt.Sprintf("c%d", i),
				OnCommit: func(m *domain.Message) {
					mu.Lock()
					committed = append(committed, m.Seq)
					mu.Unlock()
				},
			})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, committed, n)
	for i, seq := range committed {
		assert.Equal(t, uint64(i+1), seq, "callbacks must follow commit order")
	}

	report, err := e.VerifyChain(ctx, f.Thread.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, n, report.Checked)
}

func TestSealedContentStillVerifies(t *testing.T) {
	secret, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	cipher, err := crypto.ParseAgeCipher(secret)
	require.NoError(t, err)

	e, f := newEngine(t, cipher)
	ctx := context.Background()
	msg, err := e.Append(ctx, AppendInput{ThreadID: f.Thread.ID, SenderID: f.Alice.ID, Content: "secret text"})
	require.NoError(t, err)

	var row domain.MessageModel
	require.NoError(t, e.db.First(&row, msg.ID).Error)
	assert.True(t, strings.HasPrefix(row.Content, crypto.Prefix))
	assert.NotContains(t, row.Content, "secret text")

	listed, err := e.List(ctx, f.Thread.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "secret text", listed[0].Content)

	got, err := e.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Hash, got.Hash)

	report, err := e.VerifyChain(ctx, f.Thread.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestGetMissingMessage(t *testing.T) {
	e, _ := newEngine(t, nil)
	_, err := e.Get(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestVerifySurvivesFirstCallerCancel(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	e := NewEngine(db, nil, audit.NewWriter(db, nil))

	for i := 0; i < 3; i++ {
		_, err := e.Append(context.Background(), AppendInput{ThreadID: f.Thread.ID, SenderID: f.Alice.ID, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	// Hold the shared walk's message query until released.
	var (
		armed   atomic.Bool
		entered = make(chan struct{})
		release = make(chan struct{})
	)
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("test:gate", func(tx *gorm.DB) {
		if tx.Statement.Table == "messages" && armed.CompareAndSwap(true, false) {
			close(entered)
			<-release
		}
	}))
	armed.Store(true)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := e.VerifyChain(ctxA, f.Thread.ID)
		errA <- err
	}()
	<-entered

	type outcome struct {
		report *ChainReport
		err    error
	}
	resB := make(chan outcome, 1)
	go func() {
		r, err := e.VerifyChain(context.Background(), f.Thread.ID)
		resB <- outcome{r, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller kept waiting")
	}

	close(release)
	select {
	case out := <-resB:
		require.NoError(t, out.err)
		assert.True(t, out.report.Valid)
		assert.Equal(t, 3, out.report.Checked)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got the shared result")
	}
}
