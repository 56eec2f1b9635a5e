package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// CSVHeader is the column order of CSV exports.
var CSVHeader = []string{"message_id", "thread_id", "sender", "content", "structured", "timestamp", "version"}

// ParseFormat accepts json or csv, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", domain.Validation("audit.export", "unsupported export format '%s'", s)
	}
}

func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Export renders a thread's audit log.
func (w *Writer) Export(ctx context.Context, threadID uint, format string) ([]byte, Format, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, "", err
	}
	entries, err := w.List(ctx, threadID)
	if err != nil {
		return nil, "", err
	}
	body, err := Encode(entries, f)
	if err != nil {
		return nil, "", err
	}
	return body, f, nil
}

// Encode renders entries as a JSON array or CSV with CSVHeader.
func Encode(entries []domain.LogEntry, f Format) ([]byte, error) {
	if entries == nil {
		entries = []domain.LogEntry{}
	}

	switch f {
	case FormatJSON:
		return json.MarshalIndent(entries, "", "  ")

	case FormatCSV:
		var buf bytes.Buffer
		cw := csv.NewWriter(&buf)
		if err := cw.Write(CSVHeader); err != nil {
			return nil, err
		}
		for _, e := range entries {
			structured := ""
			if !e.Structured.IsNull() {
				structured = string(e.Structured)
			}
			record := []string{
				strconv.FormatUint(uint64(e.MessageID), 10),
				strconv.FormatUint(uint64(e.ThreadID), 10),
				e.Sender,
				e.Content,
				structured,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				strconv.Itoa(e.Version),
			}
			if err := cw.Write(record); err != nil {
				return nil, err
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return nil, domain.Validation("audit.export", "unsupported export format '%s'", string(f))
	}
}
