package lua

import (
	"encoding/json"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/petervdpas/kyccall/internal/registry"
)

// requestToLua exposes a waiting request to priority().
func requestToLua(L *lua.LState, r registry.CallRequest, now time.Time) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(r.ID))
	t.RawSetString("applicant_id", lua.LString(r.ApplicantID))
	t.RawSetString("kind", lua.LString(r.Kind))
	t.RawSetString("status", lua.LString(r.Status))
	t.RawSetString("created_at", lua.LNumber(r.CreatedAt.Unix()))
	t.RawSetString("waiting_seconds", lua.LNumber(now.Sub(r.CreatedAt).Seconds()))
	if !r.HeartbeatAt.IsZero() {
		t.RawSetString("heartbeat_at", lua.LNumber(r.HeartbeatAt.Unix()))
	}
	return t
}

// ── JSON API ──

func jsonDecodeFn(L *lua.LState) int {
	str := L.CheckString(1)
	var v any
	if err := json.Unmarshal([]byte(str), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, v))
	L.Push(lua.LNil)
	return 2
}

func jsonEncodeFn(L *lua.LState) int {
	data, err := json.Marshal(luaToGo(L.CheckAny(1)))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(string(data)))
	L.Push(lua.LNil)
	return 2
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
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(lv lua.LValue) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(v.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(key, val lua.LValue) {
			m[key.String()] = luaToGo(val)
		})
		return m
	default:
		return v.String()
	}
}

// ── Log API ──

func logInfoFn(L *lua.LState) int {
	log.Infof("LUA [info] %s", L.CheckString(1))
	return 0
}

func logWarnFn(L *lua.LState) int {
	log.Warnf("LUA [warn] %s", L.CheckString(1))
	return 0
}
