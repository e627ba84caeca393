package script

import (
	"testing"

	"github.com/constellation-overwatch/arc-relay/internal/mavlink"
)

func TestOnMatchInvokesPlugin(t *testing.T) {
	h := NewHost()
	src := `
called = false
function on_match(context)
  called = true
  log.info("matched " .. context.message_type)
end
`
	if err := h.LoadPluginSource("mark", src); err != nil {
		t.Fatalf("load plugin: %v", err)
	}

	ctx := Context{SourceSystem: 1, SourceComponent: 1, MessageType: "HEARTBEAT", Message: mavlink.Tree{"Type": uint8(2)}}
	if err := h.OnMatch("mark", ctx); err != nil {
		t.Fatalf("on_match: %v", err)
	}
}

func TestOnMatchMissingPluginErrors(t *testing.T) {
	h := NewHost()
	if err := h.OnMatch("nope", Context{}); err == nil {
		t.Fatalf("expected error for unloaded plugin")
	}
}

func TestOnMatchWithoutFunctionDoesNotError(t *testing.T) {
	h := NewHost()
	if err := h.LoadPluginSource("noop", "x = 1"); err != nil {
		t.Fatalf("load plugin: %v", err)
	}
	if err := h.OnMatch("noop", Context{}); err != nil {
		t.Fatalf("expected missing on_match to be tolerated, got %v", err)
	}
}

func TestModifyReturnsModifiedTree(t *testing.T) {
	h := NewHost()
	src := `
function modify(context)
  context.message.Type = 9
  return context.message
end
`
	if err := h.LoadModifierSource("bump_type", src); err != nil {
		t.Fatalf("load modifier: %v", err)
	}

	ctx := Context{MessageType: "HEARTBEAT", Message: mavlink.Tree{"Type": uint8(2), "Autopilot": uint8(3)}}
	tree, err := h.Modify("bump_type", ctx)
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if tree["Type"] != float64(9) {
		t.Fatalf("expected modified field, got %v", tree["Type"])
	}
}

func TestModifyWithoutFunctionErrors(t *testing.T) {
	h := NewHost()
	if err := h.LoadModifierSource("noop", "x = 1"); err != nil {
		t.Fatalf("load modifier: %v", err)
	}
	if _, err := h.Modify("noop", Context{}); err == nil {
		t.Fatalf("expected error when modify() is undefined")
	}
}

func TestLoadPluginSourceRejectsBadSyntax(t *testing.T) {
	h := NewHost()
	if err := h.LoadPluginSource("broken", "function on_match(c"); err == nil {
		t.Fatalf("expected compile error to surface")
	}
}
