// Package seed populates a fake backend from Lua scripts. Scripts get a
// global "sandbox" table whose functions call straight into the backend:
//
//	sandbox.deploy("cs:wordpress", {name = "blog", units = 2})
//	sandbox.deploy("cs:mysql")
//	sandbox.add_relation("blog:db", "mysql:db")
//	sandbox.expose("blog")
//
// Any backend error aborts the script.
package seed

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/zot/sandbox/internal/fakebackend"
)

// Seeder runs scripts against one backend.
type Seeder struct {
	state  *fakebackend.State
	logger *zap.Logger
}

// New creates a seeder for state.
func New(state *fakebackend.State, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{state: state, logger: logger}
}

// RunPath runs a .lua file, or every .lua file of a directory in name
// order.
func (s *Seeder) RunPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "seed path %s", path)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.lua"))
		if err != nil {
			return err
		}
		sort.Strings(files)
	}
	for _, file := range files {
		code, err := os.ReadFile(file)
		if err != nil {
			return errors.Wrapf(err, "reading %s", file)
		}
		if err := s.RunString(filepath.Base(file), string(code)); err != nil {
			return err
		}
	}
	return nil
}

// RunString runs one script. name appears in error messages.
func (s *Seeder) RunString(name, code string) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()
	L.SetGlobal("sandbox", s.module(L))
	fn, err := L.Load(strings.NewReader(code), name)
	if err != nil {
		return errors.Wrapf(err, "loading %s", name)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return errors.Wrapf(err, "running %s", name)
	}
	s.logger.Info("seed script applied", zap.String("script", name))
	return nil
}

func (s *Seeder) module(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"login":           s.login,
		"deploy":          s.deploy,
		"add_units":       s.addUnits,
		"remove_units":    s.removeUnits,
		"destroy_service": s.destroyService,
		"add_relation":    s.addRelation,
		"remove_relation": s.removeRelation,
		"expose":          s.expose,
		"unexpose":        s.unexpose,
		"set_config":      s.setConfig,
		"set_constraints": s.setConstraints,
		"annotate":        s.annotate,
		"fail_unit":       s.failUnit,
		"import":          s.importSnapshot,
		"services":        s.services,
		"log":             s.log,
	}
	for name, fn := range fns {
		L.SetField(mod, name, L.NewFunction(fn))
	}
	return mod
}

func check(L *lua.LState, err error) {
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
}

func (s *Seeder) login(L *lua.LState) int {
	check(L, s.state.Login(L.CheckString(1), L.CheckString(2)))
	return 0
}

// deploy(url [, {name=, units=, config=, config_yaml=, constraints=}])
// returns the service name and a list of unit ids.
func (s *Seeder) deploy(L *lua.LState) int {
	url := L.CheckString(1)
	var opts fakebackend.DeployOptions
	if t := L.OptTable(2, nil); t != nil {
		opts.ServiceName = lua.LVAsString(t.RawGetString("name"))
		opts.NumUnits = int(lua.LVAsNumber(t.RawGetString("units")))
		opts.ConfigYAML = lua.LVAsString(t.RawGetString("config_yaml"))
		if cfg, ok := t.RawGetString("config").(*lua.LTable); ok {
			opts.Config = tableToMap(cfg)
		}
		if cons, ok := t.RawGetString("constraints").(*lua.LTable); ok {
			opts.Constraints = stringMap(cons)
		}
	}
	deployed, err := s.state.Deploy(url, opts)
	check(L, err)
	L.Push(lua.LString(deployed.Service.Name))
	L.Push(stringList(L, deployed.Units))
	return 2
}

func (s *Seeder) addUnits(L *lua.LState) int {
	units, err := s.state.AddUnits(L.CheckString(1), L.OptInt(2, 1))
	check(L, err)
	L.Push(stringList(L, units))
	return 1
}

func (s *Seeder) removeUnits(L *lua.LState) int {
	var names []string
	for i := 1; i <= L.GetTop(); i++ {
		names = append(names, L.CheckString(i))
	}
	check(L, s.state.RemoveUnits(names))
	return 0
}

func (s *Seeder) destroyService(L *lua.LState) int {
	check(L, s.state.DestroyService(L.CheckString(1)))
	return 0
}

func (s *Seeder) addRelation(L *lua.LState) int {
	rel, err := s.state.AddRelation(L.CheckString(1), L.CheckString(2))
	check(L, err)
	L.Push(lua.LString(rel.ID))
	return 1
}

func (s *Seeder) removeRelation(L *lua.LState) int {
	check(L, s.state.RemoveRelation(L.CheckString(1), L.CheckString(2)))
	return 0
}

func (s *Seeder) expose(L *lua.LState) int {
	check(L, s.state.Expose(L.CheckString(1)))
	return 0
}

func (s *Seeder) unexpose(L *lua.LState) int {
	check(L, s.state.Unexpose(L.CheckString(1)))
	return 0
}

func (s *Seeder) setConfig(L *lua.LState) int {
	_, err := s.state.SetConfig(L.CheckString(1), tableToMap(L.CheckTable(2)))
	check(L, err)
	return 0
}

func (s *Seeder) setConstraints(L *lua.LState) int {
	_, err := s.state.SetConstraints(L.CheckString(1), stringMap(L.CheckTable(2)))
	check(L, err)
	return 0
}

func (s *Seeder) annotate(L *lua.LState) int {
	_, err := s.state.UpdateAnnotations(L.CheckString(1), stringMap(L.CheckTable(2)))
	check(L, err)
	return 0
}

// fail_unit(unit [, info]) puts a unit into the error state.
func (s *Seeder) failUnit(L *lua.LState) int {
	check(L, s.state.SetUnitAgentState(L.CheckString(1), fakebackend.AgentError, L.OptString(2, "hook failed")))
	return 0
}

func (s *Seeder) importSnapshot(L *lua.LState) int {
	check(L, s.state.Import([]byte(L.CheckString(1))))
	return 0
}

func (s *Seeder) services(L *lua.LState) int {
	var names []string
	for _, svc := range s.state.Services() {
		names = append(names, svc.Name)
	}
	L.Push(stringList(L, names))
	return 1
}

func (s *Seeder) log(L *lua.LState) int {
	s.logger.Info(L.CheckString(1))
	return 0
}

func stringList(L *lua.LState, items []string) *lua.LTable {
	t := L.NewTable()
	for _, item := range items {
		t.Append(lua.LString(item))
	}
	return t
}

func stringMap(t *lua.LTable) map[string]string {
	out := map[string]string{}
	t.ForEach(func(k, v lua.LValue) {
		out[lua.LVAsString(k)] = v.String()
	})
	return out
}

func tableToMap(t *lua.LTable) map[string]any {
	out := map[string]any{}
	t.ForEach(func(k, v lua.LValue) {
		out[lua.LVAsString(k)] = luaToGo(v)
	})
	return out
}

// luaToGo converts values for config maps. Whole numbers become ints.
func luaToGo(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		if f := float64(v); f == float64(int64(f)) {
			return int64(f)
		}
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n := v.Len(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(v.RawGetInt(i)))
			}
			return arr
		}
		return tableToMap(v)
	}
	return nil
}
