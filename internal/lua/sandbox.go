package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// newSandboxedVM creates a gopher-lua VM with only the base, table, string
// and math libraries and the kyc.* helper table.
func newSandboxedVM() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       64,
		RegistrySize:        1024,
		RegistryMaxSize:     64 * 1024,
		RegistryGrowStep:    32,
		MinimizeStackMemory: true,
	})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "require", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	injectKycTable(L)
	return L
}

func injectKycTable(L *lua.LState) {
	kyc := L.NewTable()

	jsonTbl := L.NewTable()
	jsonTbl.RawSetString("decode", L.NewFunction(jsonDecodeFn))
	jsonTbl.RawSetString("encode", L.NewFunction(jsonEncodeFn))
	kyc.RawSetString("json", jsonTbl)

	logTbl := L.NewTable()
	logTbl.RawSetString("info", L.NewFunction(logInfoFn))
	logTbl.RawSetString("warn", L.NewFunction(logWarnFn))
	kyc.RawSetString("log", logTbl)

	L.SetGlobal("kyc", kyc)
}
