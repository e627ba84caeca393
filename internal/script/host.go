// Package script hosts the Lua plugins and modifiers a rule can invoke (C5).
// Each invocation gets its own *lua.LState so a misbehaving script can never
// leak state into another invocation. Scripts run synchronously on the
// caller's goroutine.
package script

import (
	"fmt"
	"log/slog"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/constellation-overwatch/arc-relay/internal/mavlink"
)

// Host loads plugin and modifier scripts from disk and runs them against
// the per-match rules.ScriptContext contract. It satisfies
// rules.ScriptHost.
type Host struct {
	plugins   map[string]string // name -> source
	modifiers map[string]string
}

// NewHost returns an empty host; call LoadPluginFile/LoadModifierFile (or
// the *Source variants) to populate it.
func NewHost() *Host {
	return &Host{
		plugins:   make(map[string]string),
		modifiers: make(map[string]string),
	}
}

// LoadPluginFile reads and compile-checks a plugin's source, registering it
// under name.
func (h *Host) LoadPluginFile(name, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("script: read plugin %q: %w", name, err)
	}
	return h.LoadPluginSource(name, string(src))
}

// LoadPluginSource registers plugin source directly, after a compile check.
func (h *Host) LoadPluginSource(name, src string) error {
	if err := compileCheck(src, name); err != nil {
		return fmt.Errorf("script: plugin %q failed to compile: %w", name, err)
	}
	h.plugins[name] = src
	slog.Debug("plugin loaded", "plugin", name)
	return nil
}

// LoadModifierFile reads and compile-checks a modifier's source.
func (h *Host) LoadModifierFile(name, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("script: read modifier %q: %w", name, err)
	}
	return h.LoadModifierSource(name, string(src))
}

// LoadModifierSource registers modifier source directly, after a compile
// check.
func (h *Host) LoadModifierSource(name, src string) error {
	if err := compileCheck(src, name); err != nil {
		return fmt.Errorf("script: modifier %q failed to compile: %w", name, err)
	}
	h.modifiers[name] = src
	slog.Debug("modifier loaded", "modifier", name)
	return nil
}

func compileCheck(src, name string) error {
	L := lua.NewState()
	defer L.Close()
	_, err := L.LoadString(src)
	return err
}

// Context is what a plugin's on_match or a modifier's modify receives.
// rules.ScriptContext is an alias of this type; the script package never
// imports internal/rules (that would cycle).
type Context struct {
	SourceSystem    uint8
	SourceComponent uint8
	MessageType     string
	Message         mavlink.Tree
	TriggerContext  map[string]any
}

// OnMatch runs a loaded plugin's on_match(context) once, in a fresh VM.
// Per spec.md §4.5, a plugin's failure is reported to the caller, which
// logs and continues — it never aborts rule processing.
func (h *Host) OnMatch(name string, ctx Context) error {
	src, ok := h.plugins[name]
	if !ok {
		return fmt.Errorf("script: plugin %q not loaded", name)
	}

	L := lua.NewState()
	defer L.Close()
	registerAPI(L)

	L.SetGlobal("context", contextToLua(L, ctx))

	if err := L.DoString(src); err != nil {
		return fmt.Errorf("plugin %q: %w", name, err)
	}

	fn := L.GetGlobal("on_match")
	if fn == lua.LNil {
		slog.Warn("plugin has no on_match function", "plugin", name)
		return nil
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, L.GetGlobal("context")); err != nil {
		return fmt.Errorf("plugin %q: on_match: %w", name, err)
	}
	return nil
}

// Modify runs a loaded modifier's modify(context) and returns the message
// it produces, re-decoded back into a mavlink.Tree. Per spec.md §4.7 the
// caller downgrades the action to Forward on any error here.
func (h *Host) Modify(name string, ctx Context) (mavlink.Tree, error) {
	src, ok := h.modifiers[name]
	if !ok {
		return nil, fmt.Errorf("script: modifier %q not loaded", name)
	}

	L := lua.NewState()
	defer L.Close()
	registerAPI(L)

	L.SetGlobal("context", contextToLua(L, ctx))

	if err := L.DoString(src); err != nil {
		return nil, fmt.Errorf("modifier %q: %w", name, err)
	}

	fn := L.GetGlobal("modify")
	if fn == lua.LNil {
		return nil, fmt.Errorf("modifier %q has no modify function", name)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, L.GetGlobal("context")); err != nil {
		return nil, fmt.Errorf("modifier %q: modify: %w", name, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("modifier %q: modify() must return a table", name)
	}
	return luaTableToTree(table), nil
}

func contextToLua(L *lua.LState, ctx Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("source_system", lua.LNumber(ctx.SourceSystem))
	t.RawSetString("source_component", lua.LNumber(ctx.SourceComponent))
	t.RawSetString("message_type", lua.LString(ctx.MessageType))
	t.RawSetString("message", treeToLua(L, ctx.Message))
	if len(ctx.TriggerContext) > 0 {
		tc := L.NewTable()
		for k, v := range ctx.TriggerContext {
			tc.RawSetString(k, goValueToLua(L, v))
		}
		t.RawSetString("trigger_context", tc)
	}
	return t
}

func treeToLua(L *lua.LState, tree mavlink.Tree) *lua.LTable {
	t := L.NewTable()
	for k, v := range tree {
		t.RawSetString(k, goValueToLua(L, v))
	}
	return t
}

func goValueToLua(L *lua.LState, v any) lua.LValue {
	switch n := v.(type) {
	case string:
		return lua.LString(n)
	case bool:
		return lua.LBool(n)
	case mavlink.Tree:
		return treeToLua(L, n)
	default:
		f, err := toFloat(v)
		if err != nil {
			return lua.LNil
		}
		return lua.LNumber(f)
	}
}

func luaTableToTree(t *lua.LTable) mavlink.Tree {
	tree := make(mavlink.Tree)
	t.ForEach(func(key, val lua.LValue) {
		name := key.String()
		switch v := val.(type) {
		case lua.LNumber:
			tree[name] = float64(v)
		case lua.LString:
			tree[name] = string(v)
		case lua.LBool:
			tree[name] = bool(v)
		case *lua.LTable:
			tree[name] = luaTableToTree(v)
		}
	})
	return tree
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported trigger value type %T", v)
	}
}
