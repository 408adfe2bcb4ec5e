// Package logging provides audit logging that outputs structured,
// queryable facts about engine operations: lifecycle transitions,
// activations, hard deletes, Pattern emission, arbiter contradiction
// findings and resolutions, reconsolidation window closes, substrate
// connects, config saves and reloads, and scheduler ticks. Entries are
// written only while debug_mode is on; otherwise every audit call is a
// no-op. Plain record inserts, content updates and consolidation runs
// write no audit entry.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Record mutation events.
	AuditRecordInsert     AuditEventType = "record_insert"
	AuditRecordUpdate     AuditEventType = "record_update"
	AuditRecordTransition AuditEventType = "record_transition"
	AuditRecordActivate   AuditEventType = "record_activate"
	AuditRecordDelete     AuditEventType = "record_delete"

	// Retrieval events.
	AuditRetrieveQuery AuditEventType = "retrieve_query"

	// Consolidation run events.
	AuditConsolidationStart    AuditEventType = "consolidation_start"
	AuditConsolidationEmit     AuditEventType = "consolidation_emit"
	AuditConsolidationComplete AuditEventType = "consolidation_complete"

	// Arbiter events.
	AuditReconsolidationClose AuditEventType = "reconsolidation_close"
	AuditContradictionFound   AuditEventType = "contradiction_found"
	AuditContradictionResolve AuditEventType = "contradiction_resolve"

	// Substrate/config events.
	AuditSubstrateConnect AuditEventType = "substrate_connect"
	AuditConfigChange     AuditEventType = "config_change"

	// Scheduler events.
	AuditSchedulerTick AuditEventType = "scheduler_tick"

	// Generic error events.
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat"`
	ProjectID  string                 `json:"project"`
	RecordKind string                 `json:"kind"`
	RecordID   string                 `json:"record"`
	Target     string                 `json:"target"`
	Action     string                 `json:"action"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms"`
	Error      string                 `json:"error"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields"`
	Fact       string                 `json:"fact"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging.
type AuditLogger struct {
	projectID string
	category  Category
}

// InitAudit initializes the audit logging system.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithProject creates an audit logger scoped to a project.
func AuditWithProject(projectID string) *AuditLogger {
	return &AuditLogger{projectID: projectID}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.ProjectID == "" && a.projectID != "" {
		event.ProjectID = a.projectID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	event.Fact = generateFact(event)

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// generateFact renders a compact, queryable string summarizing the event —
// useful for grepping the audit log without a JSON parser on hand.
func generateFact(e AuditEvent) string {
	switch e.EventType {
	case AuditRecordInsert, AuditRecordUpdate, AuditRecordDelete:
		return fmt.Sprintf("record(%d, %s, %q, %q, %v).", e.Timestamp, e.EventType, e.RecordKind, e.RecordID, e.Success)

	case AuditRecordTransition:
		return fmt.Sprintf("transition(%d, %q, %q, %q, %v).", e.Timestamp, e.RecordKind, e.RecordID, e.Action, e.Success)

	case AuditRecordActivate:
		return fmt.Sprintf("activate(%d, %q, %q).", e.Timestamp, e.RecordKind, e.RecordID)

	case AuditRetrieveQuery:
		resultCount := 0
		if c, ok := e.Fields["result_count"].(int); ok {
			resultCount = c
		}
		return fmt.Sprintf("retrieve(%d, %q, %d, %d).", e.Timestamp, e.ProjectID, resultCount, e.DurationMs)

	case AuditConsolidationStart, AuditConsolidationEmit, AuditConsolidationComplete:
		return fmt.Sprintf("consolidation(%d, %s, %q, %v, %d).", e.Timestamp, e.EventType, e.ProjectID, e.Success, e.DurationMs)

	case AuditReconsolidationClose:
		closedCount := 0
		if c, ok := e.Fields["closed_count"].(int); ok {
			closedCount = c
		}
		return fmt.Sprintf("reconsolidation_close(%d, %q, %d).", e.Timestamp, e.ProjectID, closedCount)

	case AuditContradictionFound, AuditContradictionResolve:
		return fmt.Sprintf("contradiction(%d, %s, %q, %q, %v).", e.Timestamp, e.EventType, e.RecordKind, e.Action, e.Success)

	case AuditSubstrateConnect:
		return fmt.Sprintf("substrate_connect(%d, %v).", e.Timestamp, e.Success)

	case AuditConfigChange:
		return fmt.Sprintf("config_change(%d, %q).", e.Timestamp, e.Target)

	case AuditSchedulerTick:
		return fmt.Sprintf("scheduler_tick(%d, %q, %v).", e.Timestamp, e.ProjectID, e.Success)

	case AuditErrorGeneric, AuditErrorCritical:
		return fmt.Sprintf("error(%d, %s, %q, %q).", e.Timestamp, e.EventType, e.Category, escapeString(e.Error))

	default:
		return fmt.Sprintf("event(%d, %s, %q, %v).", e.Timestamp, e.EventType, escapeString(e.Message), e.Success)
	}
}

func escapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/10)
	for _, c := range s {
		switch c {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// RecordInsert logs a record insert.
func (a *AuditLogger) RecordInsert(kind, id string, success bool) {
	a.Log(AuditEvent{
		EventType:  AuditRecordInsert,
		RecordKind: kind,
		RecordID:   id,
		Success:    success,
		Message:    fmt.Sprintf("inserted %s %s", kind, id),
	})
}

// RecordTransition logs a lifecycle transition.
func (a *AuditLogger) RecordTransition(kind, id, from, to, reason string, success bool) {
	a.Log(AuditEvent{
		EventType:  AuditRecordTransition,
		RecordKind: kind,
		RecordID:   id,
		Action:     fmt.Sprintf("%s->%s", from, to),
		Success:    success,
		Fields:     map[string]interface{}{"reason": reason},
		Message:    fmt.Sprintf("%s %s transitioned %s -> %s (%s)", kind, id, from, to, reason),
	})
}

// RecordActivate logs an activation.
func (a *AuditLogger) RecordActivate(kind, id string) {
	a.Log(AuditEvent{
		EventType:  AuditRecordActivate,
		RecordKind: kind,
		RecordID:   id,
		Success:    true,
		Message:    fmt.Sprintf("%s %s activated", kind, id),
	})
}

// RecordDelete logs a hard delete.
func (a *AuditLogger) RecordDelete(kind, id string, success bool) {
	a.Log(AuditEvent{
		EventType:  AuditRecordDelete,
		RecordKind: kind,
		RecordID:   id,
		Success:    success,
		Message:    fmt.Sprintf("deleted %s %s", kind, id),
	})
}

// RetrieveQuery logs a retrieval call.
func (a *AuditLogger) RetrieveQuery(resultCount int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditRetrieveQuery,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"result_count": resultCount},
		Message:    fmt.Sprintf("retrieve returned %d results (%dms)", resultCount, durationMs),
	})
}

// ConsolidationRun logs a consolidation pass milestone.
func (a *AuditLogger) ConsolidationRun(eventType AuditEventType, strategy string, durationMs int64, success bool) {
	a.Log(AuditEvent{
		EventType:  eventType,
		Action:     strategy,
		Success:    success,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("consolidation %s (strategy=%s, %dms, success=%v)", eventType, strategy, durationMs, success),
	})
}

// ReconsolidationClose logs a sweep closing expired reconsolidation windows.
func (a *AuditLogger) ReconsolidationClose(closedCount int) {
	a.Log(AuditEvent{
		EventType: AuditReconsolidationClose,
		Success:   true,
		Fields:    map[string]interface{}{"closed_count": closedCount},
		Message:   fmt.Sprintf("closed %d expired reconsolidation windows", closedCount),
	})
}

// Contradiction logs a contradiction detection or resolution event.
func (a *AuditLogger) Contradiction(eventType AuditEventType, kind, strategy string, success bool) {
	a.Log(AuditEvent{
		EventType:  eventType,
		RecordKind: kind,
		Action:     strategy,
		Success:    success,
		Message:    fmt.Sprintf("contradiction %s on %s via %s (success=%v)", eventType, kind, strategy, success),
	})
}

// SubstrateConnect logs substrate connection establishment.
func (a *AuditLogger) SubstrateConnect(success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditSubstrateConnect,
		Success:   success,
		Error:     errMsg,
		Message:   fmt.Sprintf("substrate connect (success=%v)", success),
	})
}

// ConfigChange logs a config mutation.
func (a *AuditLogger) ConfigChange(target string) {
	a.Log(AuditEvent{
		EventType: AuditConfigChange,
		Target:    target,
		Success:   true,
		Message:   fmt.Sprintf("config changed: %s", target),
	})
}

// SchedulerTick logs a scheduler tick's outcome.
func (a *AuditLogger) SchedulerTick(success bool) {
	a.Log(AuditEvent{
		EventType: AuditSchedulerTick,
		Success:   success,
		Message:   fmt.Sprintf("scheduler tick (success=%v)", success),
	})
}

// Error logs an error event.
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}
