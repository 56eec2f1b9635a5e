package audit

import (
	"context"

	"github.com/weiawesome/incident-chat/pkg/log"
)

// Audit actions for chat-service.
const (
	ActionConnect      = "chat.connect"
	ActionRejected     = "chat.rejected"
	ActionSendMessage  = "chat.send_message"
	ActionReadReceipt  = "chat.read"
	ActionDisconnect   = "chat.disconnect"
	ActionVerifyChain  = "ledger.verify"
	ActionChainBroken  = "ledger.chain_broken"
	ActionExport       = "audit.export"
	ActionArchive      = "audit.archive"
	ActionSLABreach    = "sla.breach"
	ActionSLAWarning   = "sla.warning"
	ActionEscalateMail = "sla.escalation_email"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID uint, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Uint(log.FieldUserID, userID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, userID uint, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Uint(log.FieldUserID, userID).
		Str(FieldDetail, detail).
		Msg(msg)
}
