// Package lua runs user hook scripts. A script may define prepare(text),
// which sees the user's text before reasoning, and before_invoke(name, args),
// which sees every capability call before dispatch.
package lua

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const (
	FuncPrepare      = "prepare"
	FuncBeforeInvoke = "before_invoke"
)

// PrepareResult is what prepare(text) decided.
type PrepareResult struct {
	Text     string // rewritten text when Continue is true
	Continue bool   // if false, the turn ends with Message
	Message  string
}

// InvokeDecision is what before_invoke(name, args) decided. A nil decision
// means the call proceeds unchanged.
type InvokeDecision struct {
	Args    map[string]any // replacement arguments, nil when unchanged
	Veto    bool
	Status  string // "success" or "error" for a veto
	Message string
	Result  any
}

// Script is a compiled hook script. Each call runs in a fresh interpreter,
// so a Script is safe for concurrent use.
type Script struct {
	path  string
	proto *lua.FunctionProto
	funcs map[string]bool
}

// Load compiles the script at path and records which hook functions it
// defines.
func Load(path string) (*Script, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer func() { _ = f.Close() }()

	chunk, err := parse.Parse(bufio.NewReader(f), absPath)
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, absPath)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	s := &Script{path: absPath, proto: proto, funcs: map[string]bool{}}
	err = s.with(context.Background(), func(L *lua.LState) error {
		for _, name := range []string{FuncPrepare, FuncBeforeInvoke} {
			switch fn := L.GetGlobal(name); fn.Type() {
			case lua.LTNil:
			case lua.LTFunction:
				s.funcs[name] = true
			default:
				return fmt.Errorf("%s must be a function, got %s", name, fn.Type().String())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(s.funcs) == 0 {
		return nil, fmt.Errorf("script %s defines neither %s(text) nor %s(name, args)", path, FuncPrepare, FuncBeforeInvoke)
	}
	return s, nil
}

func (s *Script) Path() string { return s.path }

func (s *Script) Has(fn string) bool { return s.funcs[fn] }

// with runs fn in a new interpreter that has executed the script body.
func (s *Script) with(ctx context.Context, fn func(L *lua.LState) error) error {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	// Scripts may read the environment, e.g. for a deny list.
	L.PreloadModule("os", osModuleLoader)

	L.Push(L.NewFunctionFromProto(s.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("run script: %w", err)
	}
	return fn(L)
}

// Prepare calls prepare(text). The function returns a string (the new text)
// or a table { continue = false, message = "..." } to answer directly.
func (s *Script) Prepare(ctx context.Context, text string) (*PrepareResult, error) {
	if !s.Has(FuncPrepare) {
		return &PrepareResult{Text: text, Continue: true}, nil
	}
	var result *PrepareResult
	err := s.with(ctx, func(L *lua.LState) error {
		L.Push(L.GetGlobal(FuncPrepare))
		L.Push(lua.LString(text))
		if err := L.PCall(1, 1, nil); err != nil {
			return fmt.Errorf("prepare(): %w", err)
		}
		ret := L.Get(-1)
		L.Pop(1)

		switch ret.Type() {
		case lua.LTNil:
			result = &PrepareResult{Text: text, Continue: true}
		case lua.LTString:
			result = &PrepareResult{Text: ret.String(), Continue: true}
		case lua.LTTable:
			tbl := ret.(*lua.LTable)
			result = &PrepareResult{Text: text, Continue: true}
			if v := tbl.RawGetString("text"); v.Type() == lua.LTString {
				result.Text = v.String()
			}
			if v := tbl.RawGetString("continue"); v.Type() == lua.LTBool {
				result.Continue = bool(v.(lua.LBool))
			}
			if v := tbl.RawGetString("message"); v.Type() == lua.LTString {
				result.Message = v.String()
			}
		default:
			return fmt.Errorf("prepare() must return string or table { continue, message }, got %s", ret.Type().String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BeforeInvoke calls before_invoke(name, args). The function returns nil to
// allow the call, { args = {...} } to rewrite it, or
// { veto = true, status = "error", message = "..." } to answer in its place.
func (s *Script) BeforeInvoke(ctx context.Context, name string, args map[string]any) (*InvokeDecision, error) {
	if !s.Has(FuncBeforeInvoke) {
		return nil, nil
	}
	var decision *InvokeDecision
	err := s.with(ctx, func(L *lua.LState) error {
		L.Push(L.GetGlobal(FuncBeforeInvoke))
		L.Push(lua.LString(name))
		L.Push(ToLua(L, args))
		if err := L.PCall(2, 1, nil); err != nil {
			return fmt.Errorf("before_invoke(): %w", err)
		}
		ret := L.Get(-1)
		L.Pop(1)

		switch ret.Type() {
		case lua.LTNil:
			return nil
		case lua.LTTable:
		default:
			return fmt.Errorf("before_invoke() must return nil or a table, got %s", ret.Type().String())
		}
		tbl := ret.(*lua.LTable)
		d := &InvokeDecision{Status: "error"}
		if v := tbl.RawGetString("veto"); v.Type() == lua.LTBool {
			d.Veto = bool(v.(lua.LBool))
		}
		if v := tbl.RawGetString("status"); v.Type() == lua.LTString {
			d.Status = v.String()
		}
		if v := tbl.RawGetString("message"); v.Type() == lua.LTString {
			d.Message = v.String()
		}
		if v := tbl.RawGetString("result"); v.Type() != lua.LTNil {
			d.Result = FromLua(v)
		}
		if v := tbl.RawGetString("args"); v.Type() == lua.LTTable {
			m, ok := FromLua(v).(map[string]any)
			if !ok {
				// An empty Lua table decodes as an empty list.
				m = map[string]any{}
			}
			d.Args = m
		}
		if !d.Veto && d.Args == nil {
			return nil
		}
		decision = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// ToLua converts JSON-shaped Go values into Lua values.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, ToLua(L, x[k]))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, e := range x {
			tbl.Append(ToLua(L, e))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// FromLua converts a Lua value back into JSON-shaped Go values. Tables with
// only positive integer keys 1..n become lists.
func FromLua(v lua.LValue) any {
	switch v.Type() {
	case lua.LTNil:
		return nil
	case lua.LTBool:
		return bool(v.(lua.LBool))
	case lua.LTNumber:
		return float64(v.(lua.LNumber))
	case lua.LTString:
		return v.String()
	case lua.LTTable:
		tbl := v.(*lua.LTable)
		n := tbl.MaxN()
		count := 0
		tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, FromLua(tbl.RawGetInt(i)))
			}
			return list
		}
		if count == 0 {
			return []any{}
		}
		m := make(map[string]any, count)
		tbl.ForEach(func(k, val lua.LValue) {
			m[k.String()] = FromLua(val)
		})
		return m
	default:
		return v.String()
	}
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "getenv", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	L.SetField(mod, "time", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.Push(mod)
	return 1
}
