package hook

import (
	"encoding/json"
	"io"
)

type Event string

const (
	EventSessionStart Event = "SessionStart"
	EventPreCompact   Event = "PreCompact"
	EventStop         Event = "Stop"
	EventSubagentStop Event = "SubagentStop"
	EventPreToolUse   Event = "PreToolUse"
)

// isStopFamily reports whether ev uses the decision/reason envelope.
func (ev Event) isStopFamily() bool {
	return ev == EventStop || ev == EventSubagentStop
}

type Kind int

const (
	KindAllow Kind = iota
	KindAsk
	KindBlock
	KindInform
)

func (k Kind) String() string {
	switch k {
	case KindAsk:
		return "ask"
	case KindBlock:
		return "block"
	case KindInform:
		return "inform"
	}
	return "allow"
}

// Outcome is a hook's logical response, independent of envelope shape.
type Outcome struct {
	Kind    Kind
	Reason  string
	Context string
}

func Allow() Outcome { return Outcome{Kind: KindAllow} }

func Ask(reason, context string) Outcome {
	return Outcome{Kind: KindAsk, Reason: reason, Context: context}
}

func Block(reason, context string) Outcome {
	return Outcome{Kind: KindBlock, Reason: reason, Context: context}
}

func Inform(context string) Outcome {
	return Outcome{Kind: KindInform, Context: context}
}

type stopEnvelope struct {
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type hookSpecific struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string `json:"additionalContext,omitempty"`
}

type specificEnvelope struct {
	HookSpecificOutput *hookSpecific `json:"hookSpecificOutput"`
}

// Envelope serializes o in the shape the host expects for ev. Stop events
// use decision/reason; every other event uses hookSpecificOutput.
func Envelope(ev Event, o Outcome) any {
	if ev.isStopFamily() {
		if o.Kind != KindBlock && o.Kind != KindAsk {
			return stopEnvelope{}
		}
		reason := o.Reason
		if o.Context != "" {
			reason += "\n\n" + o.Context
		}
		return stopEnvelope{Decision: "block", Reason: reason}
	}

	hs := &hookSpecific{HookEventName: string(ev)}
	switch o.Kind {
	case KindBlock:
		hs.PermissionDecision = "deny"
		hs.PermissionDecisionReason = o.Reason
		hs.AdditionalContext = o.Context
	case KindAsk:
		hs.PermissionDecision = "ask"
		hs.PermissionDecisionReason = o.Reason
		hs.AdditionalContext = o.Context
	case KindInform:
		hs.AdditionalContext = o.Context
	}
	return specificEnvelope{HookSpecificOutput: hs}
}

// Write encodes the envelope for ev and o to w as a single JSON line.
func Write(w io.Writer, ev Event, o Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(Envelope(ev, o))
}
