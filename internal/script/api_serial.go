package script

import (
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.bug.st/serial"
)

// registerSerialAPI installs serial.write(port, baud, data, [timeout_ms])
// and serial.write_line(...), both returning true/false rather than
// raising, so a missing device never aborts a script.
func registerSerialAPI(L *lua.LState) {
	t := L.NewTable()
	t.RawSetString("write", L.NewFunction(luaSerialWrite(false)))
	t.RawSetString("write_line", L.NewFunction(luaSerialWrite(true)))
	L.SetGlobal("serial", t)
}

func luaSerialWrite(appendNewline bool) lua.LGFunction {
	return func(L *lua.LState) int {
		port := L.CheckString(1)
		baud := L.CheckInt(2)
		data := L.CheckString(3)
		timeoutMs := int64(3000)
		if L.GetTop() >= 4 {
			timeoutMs = int64(L.CheckNumber(4))
		}

		if appendNewline {
			data += "\n"
		}

		if err := writeSerial(port, baud, []byte(data), time.Duration(timeoutMs)*time.Millisecond); err != nil {
			slog.Warn("script serial write failed", "port", port, "error", err)
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LTrue)
		return 1
	}
}

func writeSerial(port string, baud int, data []byte, timeout time.Duration) error {
	mode := &serial.Mode{BaudRate: baud}
	p, err := serial.Open(port, mode)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.SetReadTimeout(timeout); err != nil {
		return err
	}
	_, err = p.Write(data)
	return err
}
