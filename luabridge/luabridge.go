// Package luabridge exposes the language server engine to Lua plugins as
// the "lsp" module. Scripts submit requests and poll completions; nothing
// in here blocks the Lua interpreter on server latency.
//
//	local lsp = require("lsp")
//	local id = lsp.request("go", "textDocument/hover", params, bufnr)
//	-- later, from the plugin tick:
//	for _, r in ipairs(lsp.poll()) do ... end
package luabridge

import (
	"context"
	"encoding/json"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stormlsp"
)

// Module binds one engine to one Lua state.
type Module struct {
	manager *stormlsp.Manager
	bridge  *stormlsp.Bridge
}

// New creates a module over the engine.
func New(m *stormlsp.Manager) *Module {
	return &Module{manager: m, bridge: stormlsp.NewBridge(m)}
}

// Loader is the gopher-lua module loader, for PreloadModule("lsp", ...).
func (m *Module) Loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"request":        m.luaRequest,
		"poll":           m.luaPoll,
		"ensure_running": m.luaEnsureRunning,
		"restart":        m.luaRestart,
		"stop":           m.luaStop,
		"status":         m.luaStatus,
		"running":        m.luaRunning,
	})
	L.Push(mod)
	return 1
}

// luaRequest implements lsp.request(language, method, params[, buffer]).
// Returns the request id, or nil plus an error message.
func (m *Module) luaRequest(L *lua.LState) int {
	language := L.CheckString(1)
	method := L.CheckString(2)
	params := luaToGo(L.Get(3), make(map[*lua.LTable]bool))

	var buffer stormlsp.BufferID
	if L.GetTop() >= 4 {
		buffer = stormlsp.BufferID(L.CheckInt64(4))
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return pushErr(L, err)
	}

	id, err := m.bridge.Submit(context.Background(), stormlsp.PluginRequest{
		Language: language,
		Method:   method,
		Params:   raw,
		Buffer:   buffer,
	})
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LString(id))
	return 1
}

// luaPoll implements lsp.poll(): an array of {id, result, err} tables for
// every request completed since the last poll.
func (m *Module) luaPoll(L *lua.LState) int {
	out := L.NewTable()
	for i, res := range m.bridge.Poll() {
		entry := L.NewTable()
		entry.RawSetString("id", lua.LString(res.ID))
		if res.Err != nil {
			entry.RawSetString("err", lua.LString(res.Err.Error()))
		} else {
			entry.RawSetString("result", jsonToLua(L, res.Result))
		}
		out.RawSetInt(i+1, entry)
	}
	L.Push(out)
	return 1
}

func (m *Module) luaEnsureRunning(L *lua.LState) int {
	if err := m.manager.EnsureRunning(context.Background(), L.CheckString(1)); err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// luaRestart implements lsp.restart(language[, eager_reopen]).
func (m *Module) luaRestart(L *lua.LState) int {
	eager := true
	if L.GetTop() >= 2 {
		eager = L.ToBool(2)
	}
	if err := m.manager.Restart(context.Background(), L.CheckString(1), eager); err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (m *Module) luaStop(L *lua.LState) int {
	if err := m.manager.Stop(context.Background(), L.CheckString(1)); err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// luaStatus implements lsp.status(language): "stopped", "starting",
// "running", or "cooldown" plus remaining seconds.
func (m *Module) luaStatus(L *lua.LState) int {
	language := L.CheckString(1)
	status := m.manager.Status(language)
	L.Push(lua.LString(status.String()))
	if status == stormlsp.StatusCooldown {
		L.Push(lua.LNumber(m.manager.CooldownRemaining(language).Seconds()))
		return 2
	}
	return 1
}

func (m *Module) luaRunning(L *lua.LState) int {
	out := L.NewTable()
	for i, language := range m.manager.RunningLanguages() {
		out.RawSetInt(i+1, lua.LString(language))
	}
	L.Push(out)
	return 1
}

func pushErr(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// luaToGo converts a Lua value to a JSON-marshalable Go value. Visited
// tables break circular references.
func luaToGo(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	default:
		return nil
	}
}

// tableToGo renders a contiguous 1-based integer-keyed table as a slice,
// anything else as a map.
func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	maxN := 0
	count := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok || float64(kn) != float64(int(kn)) || int(kn) < 1 {
			isArray = false
			return
		}
		if int(kn) > maxN {
			maxN = int(kn)
		}
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = luaToGo(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = luaToGo(v, visited)
	})
	return m
}

// jsonToLua converts a raw JSON result into Lua values.
func jsonToLua(L *lua.LState, raw json.RawMessage) lua.LValue {
	if len(raw) == 0 {
		return lua.LNil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return lua.LString(string(raw))
	}
	return goToLua(L, v)
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, goToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, goToLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}
