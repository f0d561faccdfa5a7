package preset

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/scriptrun/internal/logging"
	"github.com/mpataki/scriptrun/internal/models"
)

// DefaultScriptTimeout bounds a single preset script evaluation.
const DefaultScriptTimeout = 2 * time.Second

// Runtime evaluates Lua preset scripts in a sandboxed state. A script may
// set the globals name, module and description, and must define a
// parameters(ctx) function returning a table.
type Runtime struct {
	Timeout time.Duration
	logger  zerolog.Logger
}

// IsLuaPreset reports whether path names a Lua preset script.
func IsLuaPreset(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".lua")
}

func NewRuntime() *Runtime {
	return &Runtime{
		Timeout: DefaultScriptTimeout,
		logger:  logging.Component("preset"),
	}
}

// Describe loads the script and reads its metadata without calling
// parameters().
func (r *Runtime) Describe(path string) (*Preset, error) {
	L, cancel, err := r.load(path)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer L.Close()

	if _, ok := L.GetGlobal("parameters").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("script must define a 'parameters' function")
	}

	return &Preset{
		Name:        globalString(L, "name"),
		Module:      models.ID(globalString(L, "module")),
		Description: globalString(L, "description"),
		Path:        path,
	}, nil
}

// Evaluate runs parameters(ctx) and converts the returned table.
func (r *Runtime) Evaluate(path string, pctx Context) (map[string]any, error) {
	L, cancel, err := r.load(path)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer L.Close()

	fn, ok := L.GetGlobal("parameters").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("script must define a 'parameters' function")
	}

	ctxTbl := L.NewTable()
	L.SetField(ctxTbl, "module_id", lua.LString(pctx.ModuleID.String()))
	L.SetField(ctxTbl, "module_name", lua.LString(pctx.ModuleName))
	L.SetField(ctxTbl, "identity", lua.LString(pctx.Identity))
	L.SetField(ctxTbl, "date", lua.LString(time.Now().Format("2006-01-02")))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, ctxTbl); err != nil {
		return nil, fmt.Errorf("parameters() failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("parameters() must return a table, got %s", ret.Type())
	}
	params, ok := luaToGo(tbl).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameters() must return a table with string keys")
	}
	return params, nil
}

func (r *Runtime) load(path string) (*lua.LState, context.CancelFunc, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	L.SetContext(ctx)

	r.openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(r.luaLog(filepath.Base(path))))

	if err := L.DoString(string(script)); err != nil {
		cancel()
		L.Close()
		return nil, nil, fmt.Errorf("failed to load script: %w", err)
	}
	return L, cancel, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (r *Runtime) luaLog(script string) lua.LGFunction {
	return func(L *lua.LState) int {
		r.logger.Info().Str("script", script).Msg(L.CheckString(1))
		return 0
	}
}

func globalString(L *lua.LState, name string) string {
	if s, ok := L.GetGlobal(name).(lua.LString); ok {
		return string(s)
	}
	return ""
}

// luaToGo converts a Lua value to a Go value. Tables with keys 1..n become
// slices, other tables become maps keyed by the string form of the key.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 && n == tableLen(val) {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = luaToGo(item)
		})
		return out
	default:
		return v.String()
	}
}

func tableLen(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}
