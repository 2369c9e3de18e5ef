// Package script drives a session from a Lua script. The script sees a global table
// dsp:
//
//	dsp.submit(id [, hexpayload]) -> seq   submit a command and wait for it to be taken
//	dsp.kick(event [, p1 [, p2]])          send a mailbox event
//	dsp.enable(name), dsp.disable(name)    enable or disable an audio function
//	dsp.info(kind [, arg]) -> value        query user info ("state", "debug-reg", ...)
//	dsp.dump()                             print the session dump
//	dsp.sleep(ms)                          pause
//
// print writes to the runner's output instead of stdout.
package script

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/c35s/dsplink/session"
	lua "github.com/yuin/gopher-lua"
)

// Session is the part of *session.Session a script can use.
type Session interface {
	SubmitSync(ctx context.Context, id uint16, payload []byte) (uint16, error)
	Kick(event uint16, p1, p2 uint32) error
	EnableFunc(ctx context.Context, f session.Func) error
	DisableFunc(ctx context.Context, f session.Func) error
	UserInfo(kind session.Info, arg uint32) (uint32, error)
	Dump(w io.Writer) error
}

type runner struct {
	ctx context.Context
	s   Session
	out io.Writer
	err error // the Go error behind the last raised Lua error
}

// Run runs the script read from src. The name labels errors. If the script fails
// because a session call failed, the returned error wraps that call's error.
func Run(ctx context.Context, s Session, name string, src io.Reader, out io.Writer) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}

	for _, lib := range libs {
		err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))

		if err != nil {
			return fmt.Errorf("script: open %s: %w", lib.name, err)
		}
	}

	L.SetContext(ctx)

	r := &runner{ctx: ctx, s: s, out: out}
	L.SetGlobal("print", L.NewFunction(r.print))
	L.SetGlobal("dsp", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"submit":  r.submit,
		"kick":    r.kick,
		"enable":  r.enable,
		"disable": r.disable,
		"info":    r.info,
		"dump":    r.dump,
		"sleep":   r.sleep,
	}))

	fn, err := L.Load(src, name)
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}

	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if r.err != nil {
			return fmt.Errorf("script: %s: %w", name, r.err)
		}

		return fmt.Errorf("script: %w", err)
	}

	return nil
}

func (r *runner) fail(L *lua.LState, err error) int {
	r.err = err
	L.RaiseError("%v", err)
	return 0
}

func (r *runner) print(L *lua.LState) int {
	var parts []string
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}

	fmt.Fprintln(r.out, strings.Join(parts, "\t"))
	return 0
}

func (r *runner) submit(L *lua.LState) int {
	id := L.CheckInt(1)
	if id < 0 || id > 0xffff {
		L.ArgError(1, "command id out of range")
		return 0
	}

	payload, err := hex.DecodeString(L.OptString(2, ""))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}

	seq, err := r.s.SubmitSync(r.ctx, uint16(id), payload)
	if err != nil {
		return r.fail(L, err)
	}

	L.Push(lua.LNumber(seq))
	return 1
}

func (r *runner) kick(L *lua.LState) int {
	event := L.CheckInt(1)
	if event < 0 || event > 0xffff {
		L.ArgError(1, "event out of range")
		return 0
	}

	p1 := uint32(L.OptInt64(2, 0))
	p2 := uint32(L.OptInt64(3, 0))

	if err := r.s.Kick(uint16(event), p1, p2); err != nil {
		return r.fail(L, err)
	}

	return 0
}

func (r *runner) enable(L *lua.LState) int {
	f, err := session.ParseFunc(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}

	if err := r.s.EnableFunc(r.ctx, f); err != nil {
		return r.fail(L, err)
	}

	return 0
}

func (r *runner) disable(L *lua.LState) int {
	f, err := session.ParseFunc(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}

	if err := r.s.DisableFunc(r.ctx, f); err != nil {
		return r.fail(L, err)
	}

	return 0
}

func (r *runner) info(L *lua.LState) int {
	kind, ok := parseInfo(L.CheckString(1))
	if !ok {
		L.ArgError(1, "unknown info kind")
		return 0
	}

	v, err := r.s.UserInfo(kind, uint32(L.OptInt64(2, 0)))
	if err != nil {
		return r.fail(L, err)
	}

	L.Push(lua.LNumber(v))
	return 1
}

func (r *runner) dump(L *lua.LState) int {
	if err := r.s.Dump(r.out); err != nil {
		return r.fail(L, err)
	}

	return 0
}

func (r *runner) sleep(L *lua.LState) int {
	d := time.Duration(L.CheckInt(1)) * time.Millisecond

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return 0

	case <-r.ctx.Done():
		return r.fail(L, r.ctx.Err())
	}
}

func parseInfo(s string) (session.Info, bool) {
	for k := session.InfoState; k <= session.InfoSessionInfo; k++ {
		if k.String() == s {
			return k, true
		}
	}

	return 0, false
}
