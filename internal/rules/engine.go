package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/constellation-overwatch/arc-relay/internal/mavlink"
	"github.com/constellation-overwatch/arc-relay/internal/script"
)

// floatEpsilon is the absolute tolerance used for float field comparisons
// (spec.md §3).
const floatEpsilon = 1e-6

// ScriptContext is what a plugin or modifier script receives, matching
// spec.md §4.5's on_match(context)/modify(context) contract. It is an
// alias for script.Context so any *script.Host satisfies ScriptHost below
// without an adapter shim.
type ScriptContext = script.Context

// ScriptHost is the engine's view of the Script Host (C5): invoke a named
// plugin (fire-and-forget, errors swallowed by the caller) or a named
// modifier (returns the modified structured message).
type ScriptHost interface {
	OnMatch(name string, ctx ScriptContext) error
	Modify(name string, ctx ScriptContext) (mavlink.Tree, error)
}

// Engine is the Rule Engine (C8): for each inbound packet, selects the
// first matching enabled rule and builds a ProcessResult.
type Engine struct {
	store    *Store
	state    *StateManager
	catalog  *mavlink.Catalog
	scripts  ScriptHost

	ackMu    sync.Mutex
	ackSeq   map[[2]uint8]uint8 // (system_id, component_id) -> next sequence
}

// NewEngine builds a Rule Engine over a frozen Store and its StateManager.
func NewEngine(store *Store, state *StateManager, catalog *mavlink.Catalog, scripts ScriptHost) *Engine {
	return &Engine{
		store:   store,
		state:   state,
		catalog: catalog,
		scripts: scripts,
		ackSeq:  make(map[[2]uint8]uint8),
	}
}

// Process implements spec.md §4.8: iterate rules in priority order, skip
// disabled ones, return the first match's ProcessResult, or {Forward} on
// no match.
func (e *Engine) Process(header mavlink.Header, msg mavlink.Message, direction Direction) ProcessResult {
	tree := mavlink.ToStructured(msg)

	for _, r := range e.store.All() {
		if !e.state.IsEnabled(r.Name) {
			continue
		}
		if !e.matches(r, header, msg, tree, direction) {
			continue
		}
		return e.onMatch(r, header, msg, tree)
	}

	return ProcessResult{Actions: []ActionStep{{Kind: ActionForward}}}
}

func (e *Engine) matches(r *Rule, header mavlink.Header, msg mavlink.Message, tree mavlink.Tree, direction Direction) bool {
	if !r.Direction.matches(direction) {
		return false
	}
	if r.MessageType != msg.Name() {
		return false
	}
	if r.Conditions.SourceSystem != nil && *r.Conditions.SourceSystem != header.SystemID {
		return false
	}
	if r.Conditions.SourceComponent != nil && *r.Conditions.SourceComponent != header.ComponentID {
		return false
	}
	for field, expected := range r.Conditions.Fields {
		if !mavlink.FieldEquals(tree, field, expected, floatEpsilon) {
			return false
		}
	}
	return true
}

func (e *Engine) onMatch(r *Rule, header mavlink.Header, msg mavlink.Message, tree mavlink.Tree) ProcessResult {
	slog.Debug("rule matched", "rule", r.Name, "message_type", r.MessageType)

	if r.Triggers != nil && r.Triggers.OnMatch {
		e.fireTriggers(r)
	}

	if e.scripts != nil {
		ctx := ScriptContext{
			SourceSystem:    header.SystemID,
			SourceComponent: header.ComponentID,
			MessageType:     msg.Name(),
			Message:         tree,
			TriggerContext:  e.state.GetTriggerContext(r.Name),
		}
		for _, plugin := range r.Plugins {
			if err := e.scripts.OnMatch(plugin, ctx); err != nil {
				slog.Warn("plugin failed", "plugin", plugin, "rule", r.Name, "error", err)
			}
		}
	}

	actions := e.buildActions(r, header, msg, tree)

	var ack *AckDescriptor
	if r.AutoAck && r.AckSpec != nil {
		ack = e.buildAck(r, header, tree)
	}

	return ProcessResult{Actions: actions, Ack: ack, MatchedRule: r.Name}
}

func (e *Engine) fireTriggers(r *Rule) {
	ctx := e.state.GetTriggerContext(r.Name)
	if ctx == nil {
		ctx = map[string]any{}
	}
	for _, name := range r.Triggers.ActivateRules {
		e.state.Activate(name, r.Triggers.ActivationDuration(), ctx)
		slog.Info("activated rule via trigger", "rule", name, "from", r.Name)
	}
	for _, name := range r.Triggers.DeactivateRules {
		e.state.Deactivate(name)
		slog.Info("deactivated rule via trigger", "rule", name, "from", r.Name)
	}
}

func (e *Engine) buildActions(r *Rule, header mavlink.Header, msg mavlink.Message, tree mavlink.Tree) []ActionStep {
	steps := make([]ActionStep, 0, len(r.Actions))
	for _, kind := range r.Actions {
		switch kind {
		case ActionForward, ActionBlock:
			steps = append(steps, ActionStep{Kind: kind})
		case ActionDelay:
			steps = append(steps, ActionStep{Kind: ActionDelay, Delay: r.DelayDuration()})
		case ActionModify:
			steps = append(steps, e.buildModifyStep(r, header, msg, tree))
		case ActionBatch:
			steps = append(steps, ActionStep{
				Kind:                ActionBatch,
				BatchCount:          r.BatchCount,
				BatchTimeout:        r.BatchTimeoutDuration(),
				BatchKey:            defaultString(r.BatchKey, "default"),
				BatchTimeoutForward: r.BatchTimeoutForward,
				BatchSystemIDField:  r.BatchSystemIDField,
			})
		default:
			slog.Warn("unknown action token, treating as forward", "action", kind, "rule", r.Name)
			steps = append(steps, ActionStep{Kind: ActionForward})
		}
	}
	return steps
}

func (e *Engine) buildModifyStep(r *Rule, header mavlink.Header, msg mavlink.Message, tree mavlink.Tree) ActionStep {
	if e.scripts == nil || r.ModifierName == "" {
		slog.Warn("modify action with no modifier configured, forwarding", "rule", r.Name)
		return ActionStep{Kind: ActionForward}
	}

	ctx := ScriptContext{
		SourceSystem:    header.SystemID,
		SourceComponent: header.ComponentID,
		MessageType:     msg.Name(),
		Message:         tree,
		TriggerContext:  e.state.GetTriggerContext(r.Name),
	}
	modifiedTree, err := e.scripts.Modify(r.ModifierName, ctx)
	if err != nil {
		slog.Warn("modifier failed, downgrading to forward", "modifier", r.ModifierName, "rule", r.Name, "error", err)
		return ActionStep{Kind: ActionForward}
	}

	modified, err := mavlink.FromStructured(e.catalog, msg.Name(), modifiedTree)
	if err != nil {
		slog.Warn("modifier returned invalid message, downgrading to forward", "modifier", r.ModifierName, "rule", r.Name, "error", err)
		return ActionStep{Kind: ActionForward}
	}

	return ActionStep{Kind: ActionModify, ModifiedMessage: modified}
}

func (e *Engine) buildAck(r *Rule, header mavlink.Header, tree mavlink.Tree) *AckDescriptor {
	spec := r.AckSpec

	sysID, ok := extractU8(tree, spec.SourceSystemField, header.SystemID)
	if !ok {
		slog.Warn("ack build failed: bad source_system field", "rule", r.Name, "field", spec.SourceSystemField)
		return nil
	}
	compID, ok := extractU8(tree, spec.SourceComponentField, header.ComponentID)
	if !ok {
		slog.Warn("ack build failed: bad source_component field", "rule", r.Name, "field", spec.SourceComponentField)
		return nil
	}

	return &AckDescriptor{
		MessageType:     spec.MessageType,
		SourceSystem:    sysID,
		SourceComponent: compID,
		Fields:          spec.Fields,
		CopyFields:      spec.CopyFields,
		OriginalHeader:  header,
		OriginalTree:    tree,
	}
}

// extractU8 reads a uint8-ish value from the tree's named field; an empty
// field name means "use the header value supplied as fallback".
func extractU8(tree mavlink.Tree, field string, fallback uint8) (uint8, bool) {
	if field == "" {
		return fallback, true
	}
	raw, ok := tree[field]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case uint8:
		return n, true
	case uint16:
		return uint8(n), true
	case uint32:
		return uint8(n), true
	case int:
		return uint8(n), true
	default:
		return 0, false
	}
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// NextAckSequence returns the next monotonic sequence number for a
// synthesized ACK originating from (systemID, componentID). This resolves
// spec.md §9's open question in favor of per-source counters rather than
// always-zero sequences.
func (e *Engine) NextAckSequence(systemID, componentID uint8) uint8 {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	key := [2]uint8{systemID, componentID}
	seq := e.ackSeq[key]
	e.ackSeq[key] = seq + 1
	return seq
}

// BuildAckMessage resolves an AckDescriptor's literal and copied fields
// into a typed message ready for encoding.
func (e *Engine) BuildAckMessage(ack *AckDescriptor) (mavlink.Message, error) {
	tree := make(mavlink.Tree, len(ack.Fields)+len(ack.CopyFields))
	for k, v := range ack.Fields {
		tree[k] = v
	}
	for ackField, srcPath := range ack.CopyFields {
		v, err := resolveCopySource(ack, srcPath)
		if err != nil {
			return nil, fmt.Errorf("copy_fields[%s]: %w", ackField, err)
		}
		tree[ackField] = v
	}
	return mavlink.FromStructured(e.catalog, ack.MessageType, tree)
}

func resolveCopySource(ack *AckDescriptor, srcPath string) (any, error) {
	switch AckCopySource(srcPath) {
	case AckCopyHeaderSystem:
		return ack.OriginalHeader.SystemID, nil
	case AckCopyHeaderComponent:
		return ack.OriginalHeader.ComponentID, nil
	case AckCopyHeaderSequence:
		return ack.OriginalHeader.Sequence, nil
	}
	v, ok := ack.OriginalTree[srcPath]
	if !ok {
		return nil, fmt.Errorf("no such source field %q", srcPath)
	}
	return v, nil
}
