// Package rules holds the rule definitions, the priority-sorted store, the
// per-rule activation state manager, and the rule engine that matches an
// inbound packet against the loaded rules (spec.md C3/C4/C8).
package rules

import (
	"time"

	"github.com/constellation-overwatch/arc-relay/internal/mavlink"
)

// Direction is the traffic direction a rule applies to.
type Direction string

const (
	DirGCSToRouter Direction = "gcs_to_router"
	DirRouterToGCS Direction = "router_to_gcs"
	DirBoth        Direction = "both"
)

// matches reports whether a rule's configured direction applies to d.
func (rd Direction) matches(d Direction) bool {
	return rd == DirBoth || rd == d
}

// ActionKind enumerates the action tokens a rule's action list may contain.
type ActionKind string

const (
	ActionForward ActionKind = "forward"
	ActionBlock   ActionKind = "block"
	ActionDelay   ActionKind = "delay"
	ActionModify  ActionKind = "modify"
	ActionBatch   ActionKind = "batch"
)

// Conditions narrows a rule match beyond message type and direction.
type Conditions struct {
	SourceSystem    *uint8
	SourceComponent *uint8
	Fields          map[string]any
}

// AckCopySource names where a copy_fields value is pulled from.
type AckCopySource string

const (
	AckCopyHeaderSystem    AckCopySource = "header.system_id"
	AckCopyHeaderComponent AckCopySource = "header.component_id"
	AckCopyHeaderSequence  AckCopySource = "header.sequence"
)

// AckSpec describes how to synthesize an ACK for a matched rule.
type AckSpec struct {
	MessageType          string
	SourceSystemField    string
	SourceComponentField string
	Fields               map[string]any
	CopyFields           map[string]string // ack field -> src_path
}

// Triggers describes the sibling-rule activation/deactivation a match
// fires.
type Triggers struct {
	OnMatch         bool
	ActivateRules   []string
	DeactivateRules []string
	DurationSeconds uint64
}

// Rule is one entry of the loaded rule pipeline. Immutable after load.
type Rule struct {
	Name              string
	Priority          int
	EnabledByDefault  bool
	Direction         Direction
	MessageType       string
	Conditions        Conditions
	Actions           []ActionKind
	DelaySeconds      uint64
	BatchCount        int
	BatchTimeoutSeconds uint64
	BatchTimeoutForward bool
	BatchKey          string
	BatchSystemIDField string
	ModifierName      string
	Plugins           []string
	AutoAck           bool
	AckSpec           *AckSpec
	Triggers          *Triggers

	// loadOrder breaks priority ties in file order (§9).
	loadOrder int
}

// DelayDuration returns the rule's configured delay as a time.Duration.
func (r *Rule) DelayDuration() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// BatchTimeoutDuration returns the rule's configured batch timeout.
func (r *Rule) BatchTimeoutDuration() time.Duration {
	return time.Duration(r.BatchTimeoutSeconds) * time.Second
}

// ActivationDuration returns the trigger's configured activation duration.
func (t *Triggers) ActivationDuration() time.Duration {
	return time.Duration(t.DurationSeconds) * time.Second
}

// ActionStep is the runtime projection of one action list entry, carrying
// resolved parameters for the Action Executor (C7). For Modify it also
// carries the pre-computed modified message so the executor never re-runs
// the script (spec.md §3).
type ActionStep struct {
	Kind ActionKind

	// Delay
	Delay time.Duration

	// Modify
	ModifiedMessage mavlink.Message

	// Batch
	BatchCount          int
	BatchTimeout        time.Duration
	BatchKey            string
	BatchTimeoutForward bool
	BatchSystemIDField  string
}

// AckDescriptor carries everything needed to synthesize and encode an ACK
// frame on the return path of whichever direction received the matched
// packet (spec.md §3, P6).
type AckDescriptor struct {
	MessageType     string
	SourceSystem    uint8
	SourceComponent uint8
	Fields          map[string]any
	CopyFields      map[string]string
	OriginalHeader  mavlink.Header
	OriginalTree    mavlink.Tree
}

// ProcessResult is the output of the Rule Engine (C8) for one input packet.
// MatchedRule is empty when no rule matched (the implicit forward case).
type ProcessResult struct {
	Actions     []ActionStep
	Ack         *AckDescriptor
	MatchedRule string
}
