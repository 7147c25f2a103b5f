package luahost

import (
	lua "github.com/yuin/gopher-lua"
)

// safeModules lists the built-in modules scripts may require.
// Everything with filesystem, process, or debugger reach stays out.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// newSandboxedState creates a Lua state with only safe libraries open
// and all routes to arbitrary chunk loading removed.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenPackage(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// These load chunks from arbitrary sources and would bypass the
	// sandbox entirely.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	// No filesystem module search. Only the whitelist below resolves.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
	}

	originalRequire := L.GetGlobal("require")
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !safeModules[name] {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(originalRequire)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}))

	return L
}
