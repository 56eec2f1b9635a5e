package audit

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/pkg/log"
	"github.com/weiawesome/incident-chat/pkg/storage"
)

// Archiver stores exports in object storage.
type Archiver struct {
	writer *Writer
	store  storage.Storage
	now    func() time.Time
}

func NewArchiver(w *Writer, store storage.Storage) *Archiver {
	return &Archiver{writer: w, store: store, now: func() time.Time { return time.Now().UTC() }}
}

func archivePrefix(threadID uint) string {
	return fmt.Sprintf("audit/thread-%d/", threadID)
}

// Archive writes an export of the thread and returns its key.
func (a *Archiver) Archive(ctx context.Context, threadID uint, format string) (string, error) {
	body, f, err := a.writer.Export(ctx, threadID, format)
	if err != nil {
		return "", err
	}

	id, err := ulid.New(ulid.Timestamp(a.now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate archive id: %w", err)
	}
	// ULIDs sort by creation time, so List returns archives oldest first.
	key := archivePrefix(threadID) + id.String() + "." + string(f)
	if err := a.store.Write(ctx, key, bytes.NewReader(body), int64(len(body)), f.ContentType()); err != nil {
		return "", domain.NewError("audit.archive", domain.CollaboratorFailure, "failed to store archive", err)
	}

	l := log.Ctx(ctx)
	l.Info().Uint(log.FieldThreadID, threadID).Str("key", key).Int("bytes", len(body)).Msg("audit archive stored")
	return key, nil
}

// List returns the stored archives of a thread.
func (a *Archiver) List(ctx context.Context, threadID uint) ([]storage.FileInfo, error) {
	return a.store.List(ctx, archivePrefix(threadID))
}

// Fetch reads one archive.
func (a *Archiver) Fetch(ctx context.Context, key string) ([]byte, error) {
	rc, err := a.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
