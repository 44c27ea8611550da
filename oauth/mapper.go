package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

type (
	// Identity is what a profile maps to on our side.
	Identity struct {
		Username string
		Email    string
	}

	// Mapper turns a provider profile into an Identity. When a script is
	// configured it receives the raw profile in the global "profile" and
	// the provider name in "provider", and must return a table with the
	// username and email fields.
	Mapper struct {
		name  string
		proto *lua.FunctionProto
	}
)

// NewMapper compiles script once, an empty script selects the default mapping.
func NewMapper(name, script string) (*Mapper, error) {
	if strings.TrimSpace(script) == "" {
		return &Mapper{name: name}, nil
	}
	chunk, err := parse.Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, fmt.Errorf("unable to parse profile script %v, cause %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("unable to compile profile script %v, cause %w", name, err)
	}
	return &Mapper{name: name, proto: proto}, nil
}

func (m *Mapper) Map(ctx context.Context, p Profile) (Identity, error) {
	if m == nil || m.proto == nil {
		return defaultIdentity(p), nil
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	if err := openSandboxLibs(L); err != nil {
		return Identity{}, err
	}
	L.SetGlobal("profile", toLuaTable(L, p.Raw))
	L.SetGlobal("provider", lua.LString(p.Provider))
	L.Push(L.NewFunctionFromProto(m.proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return Identity{}, fmt.Errorf("profile script %v failed, cause %w", m.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Identity{}, fmt.Errorf("profile script %v returned %v instead of a table", m.name, ret.Type())
	}
	var id Identity
	if err := gluamapper.Map(tbl, &id); err != nil {
		return Identity{}, fmt.Errorf("unable to read identity from script %v, cause %w", m.name, err)
	}
	if id.Username == "" || id.Email == "" {
		return Identity{}, errors.New("profile script must return both username and email")
	}
	return id, nil
}

func defaultIdentity(p Profile) Identity {
	id := Identity{Username: p.Login, Email: p.Email}
	if id.Username == "" {
		id.Username = fmt.Sprintf("%v-%v", p.Provider, p.ID)
	}
	if id.Email == "" {
		id.Email = fmt.Sprintf("%v@%v.local", id.Username, p.Provider)
	}
	return id
}

// openSandboxLibs loads only what a mapping script needs, io and os are
// left out.
func openSandboxLibs(L *lua.LState) error {
	for _, pair := range []struct {
		n string
		f lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(pair.f),
			NRet:    0,
			Protect: true,
		}, lua.LString(pair.n)); err != nil {
			return fmt.Errorf("unable to load lua library %v, cause %w", pair.n, err)
		}
	}
	for _, unsafe := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(unsafe, lua.LNil)
	}
	return nil
}

// toLuaTable converts a decoded JSON document into a Lua table, values
// that have no Lua representation become nil.
func toLuaTable(L *lua.LState, doc map[string]interface{}) *lua.LTable {
	t := L.NewTable()
	for k, v := range doc {
		L.SetField(t, k, toLuaValue(L, v))
	}
	return t
}

func toLuaValue(L *lua.LState, v interface{}) lua.LValue {
	switch v := v.(type) {
	case string:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case bool:
		return lua.LBool(v)
	case map[string]interface{}:
		return toLuaTable(L, v)
	case []interface{}:
		t := L.NewTable()
		for i, item := range v {
			L.RawSetInt(t, i+1, toLuaValue(L, item))
		}
		return t
	}
	return lua.LNil
}
