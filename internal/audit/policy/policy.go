// Package policy appends authorization decisions to a separate JSONL
// stream aligned with OCSF's Authorization event class (3003), for
// deployments that wire in a Cedar-style policy evaluator. Fetching
// and evaluating policy documents over HTTP is out of scope here;
// this package only records decisions that some other gate has
// already made.
package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Effect is the binary authorization outcome.
type Effect string

const (
	Permit Effect = "permit"
	Deny   Effect = "deny"
)

const classUIDAuthorization = 3003

// DecisionLog is one OCSF-aligned policy decision record.
type DecisionLog struct {
	Timestamp        time.Time `json:"timestamp"`
	ClassUID         int       `json:"class_uid"`
	ActivityID       int       `json:"activity_id"`
	Principal        string    `json:"principal"`
	Action           string    `json:"action"`
	Resource         string    `json:"resource"`
	Decision         Effect    `json:"decision"`
	MatchedPolicies  []string  `json:"matched_policies"`
	EvaluationTimeUs int64     `json:"evaluation_time_us"`
	OrgID            string    `json:"org_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	SeverityID       int       `json:"severity_id"`
	StatusID         int       `json:"status_id"`
}

// NewDecisionLog builds a DecisionLog from an evaluation outcome,
// deriving activity/status/severity from the decision:
// Permit -> (Authorize=1, Success=1, Info=1),
// Deny -> (Deny=2, Failure=2, Medium=3).
func NewDecisionLog(principal, action, resource string, decision Effect, matched []string, evalTimeUs int64, orgID, reason string) DecisionLog {
	activity, status, severity := 1, 1, 1
	if decision == Deny {
		activity, status, severity = 2, 2, 3
	}
	return DecisionLog{
		Timestamp:        time.Now().UTC(),
		ClassUID:         classUIDAuthorization,
		ActivityID:       activity,
		Principal:        principal,
		Action:           action,
		Resource:         resource,
		Decision:         decision,
		MatchedPolicies:  matched,
		EvaluationTimeUs: evalTimeUs,
		OrgID:            orgID,
		Reason:           reason,
		SeverityID:       severity,
		StatusID:         status,
	}
}

// Logger writes DecisionLog entries to a JSONL file. A nil *Logger is
// valid and a no-op: callers that haven't configured a policy
// evaluator simply never construct one.
type Logger struct {
	path string
}

// New builds a logger at an explicit path.
func New(path string) *Logger {
	return &Logger{path: path}
}

// DefaultPath returns $HOME/.agentkernel/logs/policy-audit.jsonl.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentkernel", "logs", "policy-audit.jsonl")
}

func (l *Logger) Path() string { return l.path }

// LogDecision appends one entry. Every authorization decision that
// reaches this call produces exactly one line.
func (l *Logger) LogDecision(entry DecisionLog) error {
	if l == nil {
		return nil
	}

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadAll reads every logged decision, skipping malformed lines.
func (l *Logger) ReadAll() ([]DecisionLog, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []DecisionLog
	for _, line := range splitLines(string(data)) {
		if len(line) == 0 {
			continue
		}
		var entry DecisionLog
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReadLast returns the last n decisions.
func (l *Logger) ReadLast(n int) ([]DecisionLog, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, trimCR(s[start:]))
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
