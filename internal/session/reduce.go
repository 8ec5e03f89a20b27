package session

import (
	"github.com/notchapp/notchd/internal/hook"
)

// Effects names the side effects the registry must carry out after a
// transition. The reducer itself never touches the broker or the watcher.
type Effects struct {
	// CancelToolUse lists tool-use IDs whose pending approvals became moot.
	CancelToolUse []string
	// CancelSession cancels every pending approval for the session.
	CancelSession bool
	// Remove drops the session from the registry.
	Remove bool
	// StartWatch / StopWatch drive the transcript interrupt watcher.
	StartWatch bool
	StopWatch  bool
}

// Reduce applies one event to a session and returns the next state. It is a
// pure function of (s, ev): replaying the same event sequence always yields
// the same session.
func Reduce(s Session, ev hook.Event) (Session, Effects) {
	var eff Effects

	if !hook.Known(ev.Kind) {
		return s, eff
	}

	next := s.Clone()
	next.UpdatedAt = ev.Timestamp

	if ev.CWD != "" {
		next.WorkDir = ev.CWD
	}
	if ev.TTY != "" {
		next.TTY = ev.TTY
	}
	if ev.PID != 0 {
		next.PID = ev.PID
	}
	if ev.TranscriptPath != "" {
		next.TranscriptPath = ev.TranscriptPath
	}

	// Compacting is transient: the next non-status event restores the phase
	// that was current when compaction began.
	if next.Phase == PhaseCompacting && ev.Kind != hook.KindSessionStatus {
		next.Phase = next.ResumePhase
		if next.Phase == "" {
			next.Phase = PhaseProcessing
		}
		next.ResumePhase = ""
	}

	switch ev.Kind {
	case hook.KindUserPromptSubmit:
		next.Phase = PhaseProcessing
		next.History = append(next.History, HistoryEntry{
			Role:      RoleUser,
			Text:      ev.Prompt,
			Timestamp: ev.Timestamp,
		})

	case hook.KindPreToolUse:
		entry := HistoryEntry{
			Role:      RoleTool,
			ToolUseID: ev.ToolUseID,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
			Timestamp: ev.Timestamp,
		}
		if ev.RequiresApproval {
			next.Phase = PhaseWaitingApproval
			entry.Status = ToolPendingApproval
			next.Active = &Permission{
				ToolUseID: ev.ToolUseID,
				ToolName:  ev.ToolName,
				ToolInput: ev.ToolInput,
				OpenedAt:  ev.Timestamp,
			}
		} else {
			next.Phase = PhaseProcessing
			entry.Status = ToolRunning
		}
		next.History = append(next.History, entry)

	case hook.KindPostToolUse:
		status := ToolSucceeded
		if ev.ToolError {
			status = ToolFailed
		}
		setToolStatus(next.History, ev.ToolUseID, status)
		// The underlying process moved on, so any approval still pending
		// for this tool use is moot.
		eff.CancelToolUse = append(eff.CancelToolUse, ev.ToolUseID)
		if next.Active != nil && next.Active.ToolUseID == ev.ToolUseID {
			next.Active = nil
			next.Phase = PhaseProcessing
		}

	case hook.KindStop:
		next.Phase = PhaseIdle
		next.Active = nil
		markOpenToolsInterrupted(next.History)
		eff.CancelSession = true

	case hook.KindSessionStatus:
		switch ev.Status {
		case hook.StatusCompacting:
			if next.Phase != PhaseCompacting {
				next.ResumePhase = next.Phase
				next.Phase = PhaseCompacting
			}
		case hook.StatusEnded:
			next.Phase = PhaseEnded
			next.Active = nil
			eff.CancelSession = true
			eff.Remove = true
		}
		// Other status strings are ignored.

	case hook.KindInterrupt:
		markOpenToolsInterrupted(next.History)
		next.Active = nil
		next.Phase = PhaseInterrupted
		eff.CancelSession = true

	case hook.KindPermissionDecision:
		applyDecision(&next, ev)
	}

	next.NeedsAttention = next.Phase == PhaseWaitingApproval ||
		next.Phase == PhaseInterrupted ||
		(next.Active != nil && next.Active.Broken)

	if eff.Remove {
		eff.StopWatch = true
	} else if next.Phase == PhaseProcessing && next.TranscriptPath != "" {
		eff.StartWatch = true
	} else {
		eff.StopWatch = true
	}

	return next, eff
}

// applyDecision folds a permission outcome back into the session. Terminal
// tool statuses are never overwritten, so a decision racing a stop or a
// timeout cannot regress history.
func applyDecision(next *Session, ev hook.Event) {
	switch ev.Decision {
	case hook.DecisionAllow:
		setToolStatus(next.History, ev.ToolUseID, ToolRunning)
	case hook.DecisionDeny, hook.DecisionDenyWithInstructions:
		setToolStatus(next.History, ev.ToolUseID, ToolDenied)
	case hook.DecisionCanceled:
		setToolStatus(next.History, ev.ToolUseID, ToolCanceled)
	case hook.DecisionTimedOut:
		setToolStatus(next.History, ev.ToolUseID, ToolTimedOut)
	case hook.DecisionTransportFailed:
		// The requesting connection died. Keep the permission surfaced but
		// mark it broken so the UI shows it as actionable, not hanging.
		if next.Active != nil && next.Active.ToolUseID == ev.ToolUseID {
			next.Active.Broken = true
		}
		return
	default:
		return
	}

	if next.Active != nil && next.Active.ToolUseID == ev.ToolUseID {
		next.Active = nil
		if next.Phase == PhaseWaitingApproval {
			next.Phase = PhaseProcessing
		}
	}
}

// setToolStatus updates the most recent non-terminal entry for a tool use.
func setToolStatus(history []HistoryEntry, toolUseID string, status ToolStatus) {
	if toolUseID == "" {
		return
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != RoleTool || history[i].ToolUseID != toolUseID {
			continue
		}
		if !history[i].Status.terminal() {
			history[i].Status = status
		}
		return
	}
}

func markOpenToolsInterrupted(history []HistoryEntry) {
	for i := range history {
		if history[i].Role != RoleTool {
			continue
		}
		switch history[i].Status {
		case ToolRunning, ToolPendingApproval:
			history[i].Status = ToolInterrupted
		}
	}
}
