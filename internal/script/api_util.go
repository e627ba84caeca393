package script

import (
	"log/slog"
	"os"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerUtilAPI installs util.sleep(ms), util.file_read(path), and
// util.file_write(path, content). util.sleep blocks the calling goroutine:
// scripts run synchronously inside the rule engine's Process call, so a
// sleep holds up the pump that delivered the matched frame for its
// duration.
func registerUtilAPI(L *lua.LState) {
	t := L.NewTable()
	t.RawSetString("sleep", L.NewFunction(luaSleep))
	t.RawSetString("file_read", L.NewFunction(luaFileRead))
	t.RawSetString("file_write", L.NewFunction(luaFileWrite))
	L.SetGlobal("util", t)
}

func luaSleep(L *lua.LState) int {
	ms := L.CheckInt64(1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return 0
}

func luaFileRead(L *lua.LState) int {
	path := L.CheckString(1)
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("script util.file_read failed", "path", path, "error", err)
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(content))
	return 1
}

func luaFileWrite(L *lua.LState) int {
	path := L.CheckString(1)
	content := L.CheckString(2)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		slog.Warn("script util.file_write failed", "path", path, "error", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}
