package script

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// registerHTTPAPI installs http.get(url) and http.post(url, body), both
// returning the response body string on success or nil on failure (errors
// are logged, never raised into the script, matching the original API's
// "never blocks rule processing on a flaky endpoint" contract).
func registerHTTPAPI(L *lua.LState) {
	t := L.NewTable()
	t.RawSetString("get", L.NewFunction(luaHTTPGet))
	t.RawSetString("post", L.NewFunction(luaHTTPPost))
	L.SetGlobal("http", t)
}

func luaHTTPGet(L *lua.LState) int {
	url := L.CheckString(1)

	resp, err := httpClient.Get(url)
	if err != nil {
		slog.Warn("script http.get failed", "url", url, "error", err)
		L.Push(lua.LNil)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Warn("script http.get: read body failed", "url", url, "error", err)
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(body))
	return 1
}

func luaHTTPPost(L *lua.LState) int {
	url := L.CheckString(1)
	body := L.CheckString(2)

	resp, err := httpClient.Post(url, "application/octet-stream", strings.NewReader(body))
	if err != nil {
		slog.Warn("script http.post failed", "url", url, "error", err)
		L.Push(lua.LNil)
		return 1
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Warn("script http.post: read body failed", "url", url, "error", err)
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(respBody))
	return 1
}
