package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ErrDecode wraps every malformed-payload failure so callers can reject the
// message without touching session state.
var ErrDecode = fmt.Errorf("hook: decode error")

// wireEvent is the raw JSON shape written by hook scripts. Unrecognized
// fields are ignored for forward compatibility.
type wireEvent struct {
	HookEventName    string          `json:"hook_event_name"`
	SessionID        string          `json:"session_id"`
	CWD              string          `json:"cwd"`
	ToolUseID        string          `json:"tool_use_id"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	RequiresApproval bool            `json:"requires_approval"`
	ToolError        bool            `json:"tool_error"`
	Prompt           string          `json:"prompt"`
	Status           string          `json:"status"`
	TTY              string          `json:"tty"`
	PID              int             `json:"pid"`
	TranscriptPath   string          `json:"transcript_path"`
}

// Decode reads one hook event from r and validates its required fields.
func Decode(r io.Reader) (Event, error) {
	var w wireEvent
	if err := json.NewDecoder(r).Decode(&w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.SessionID == "" {
		return Event{}, fmt.Errorf("%w: missing session_id", ErrDecode)
	}
	if w.HookEventName == "" {
		return Event{}, fmt.Errorf("%w: missing hook_event_name", ErrDecode)
	}

	ev := Event{
		SessionID:        w.SessionID,
		CWD:              w.CWD,
		ToolUseID:        w.ToolUseID,
		ToolName:         w.ToolName,
		ToolInput:        w.ToolInput,
		RequiresApproval: w.RequiresApproval,
		ToolError:        w.ToolError,
		Prompt:           w.Prompt,
		Status:           w.Status,
		TTY:              w.TTY,
		PID:              w.PID,
		TranscriptPath:   w.TranscriptPath,
		Timestamp:        time.Now().UTC(),
	}

	switch w.HookEventName {
	case "PreToolUse":
		ev.Kind = KindPreToolUse
	case "PostToolUse":
		ev.Kind = KindPostToolUse
	case "UserPromptSubmit":
		ev.Kind = KindUserPromptSubmit
	case "Stop":
		ev.Kind = KindStop
	case "SessionStatus":
		ev.Kind = KindSessionStatus
	case "PreCompact":
		ev.Kind = KindSessionStatus
		ev.Status = StatusCompacting
	case "SessionEnd":
		ev.Kind = KindSessionStatus
		ev.Status = StatusEnded
	default:
		// Internal kinds are produced by the coordinator only. A wire
		// payload naming one is forged, not version skew.
		k := Kind(w.HookEventName)
		if k == KindPermissionDecision || k == KindInterrupt {
			return Event{}, fmt.Errorf("%w: reserved event name %q", ErrDecode, w.HookEventName)
		}
		// Forward-compatible: carry the name through, the registry drops
		// kinds it does not know.
		ev.Kind = k
	}

	return ev, nil
}
