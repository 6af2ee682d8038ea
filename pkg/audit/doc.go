// Package audit records who changed authorization state and which requests
// were denied.
//
// Loggers:
//
//   - LogrusLogger writes JSON lines through logrus.
//   - DBLogger inserts into the audit_logs table and supports Search.
//   - MultiLogger fans out to several loggers, optionally asynchronously.
//
// Events are built with NewEvent, which stamps an ID, the time and the
// request and organization IDs from the context:
//
//	event := audit.NewEvent(ctx, audit.EventTypeRoleAssign, audit.EventStatusSuccess)
//	event.ActorID = actor
//	event.TargetUserID = userID
//	logger.Log(ctx, event)
package audit
