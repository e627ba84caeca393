package script

import (
	"context"
	"log/slog"

	lua "github.com/yuin/gopher-lua"
)

// registerAPI installs the log/http/serial/util globals every script VM
// gets, mirroring the original plugin API surface (info/warn/error/debug,
// http.get/post, serial.write/write_line, util.sleep/file_read/file_write).
func registerAPI(L *lua.LState) {
	registerLogAPI(L)
	registerHTTPAPI(L)
	registerSerialAPI(L)
	registerUtilAPI(L)
}

func registerLogAPI(L *lua.LState) {
	t := L.NewTable()
	t.RawSetString("info", L.NewFunction(luaLog(slog.LevelInfo)))
	t.RawSetString("warn", L.NewFunction(luaLog(slog.LevelWarn)))
	t.RawSetString("error", L.NewFunction(luaLog(slog.LevelError)))
	t.RawSetString("debug", L.NewFunction(luaLog(slog.LevelDebug)))
	L.SetGlobal("log", t)
}

func luaLog(level slog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		slog.Log(context.Background(), level, "[script] "+msg)
		return 0
	}
}
