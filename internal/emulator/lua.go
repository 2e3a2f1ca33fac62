package emulator

import (
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const socketType = "net.socket"

const (
	modeStation = 1
	modeAP      = 2
	netTCP      = 1
	netUDP      = 2
)

func (d *Device) newState() *lua.LState {
	L := lua.NewState()
	L.SetGlobal("print", L.NewFunction(d.luaPrint))

	node := L.NewTable()
	L.SetFuncs(node, map[string]lua.LGFunction{
		"restart": func(*lua.LState) int {
			d.restarting = true
			return 0
		},
		"heap": func(L *lua.LState) int {
			L.Push(lua.LNumber(40960))
			return 1
		},
	})
	L.SetGlobal("node", node)

	wifi := L.NewTable()
	L.SetField(wifi, "STATION", lua.LNumber(modeStation))
	L.SetField(wifi, "SOFTAP", lua.LNumber(modeAP))
	mode := lua.LNumber(modeStation)
	L.SetFuncs(wifi, map[string]lua.LGFunction{
		"setmode": func(L *lua.LState) int {
			mode = lua.LNumber(L.CheckInt(1))
			L.Push(mode)
			return 1
		},
		"getmode": func(L *lua.LState) int {
			L.Push(mode)
			return 1
		},
	})
	sta := L.NewTable()
	L.SetFuncs(sta, map[string]lua.LGFunction{
		"config":     d.staConfig,
		"getip":      d.staGetIP,
		"disconnect": d.staDisconnect,
		"status": func(L *lua.LState) int {
			if d.joined() {
				L.Push(lua.LNumber(5))
			} else {
				L.Push(lua.LNumber(1))
			}
			return 1
		},
	})
	L.SetField(wifi, "sta", sta)
	L.SetGlobal("wifi", wifi)

	netmod := L.NewTable()
	L.SetField(netmod, "TCP", lua.LNumber(netTCP))
	L.SetField(netmod, "UDP", lua.LNumber(netUDP))
	L.SetField(netmod, "createConnection", L.NewFunction(d.createConnection))
	L.SetGlobal("net", netmod)

	mt := L.NewTypeMetatable(socketType)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":      socketOn,
		"connect": socketConnect,
		"send":    socketSend,
		"close":   socketClose,
		"dns":     socketDNS,
	}))
	return L
}

func (d *Device) luaPrint(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}
	d.emit(strings.Join(parts, "\t") + "\r\n")
	return 0
}

func (d *Device) staConfig(L *lua.LState) int {
	ssid := L.CheckString(1)
	pass := L.OptString(2, "")
	d.joinAt = time.Time{}
	if want, ok := d.cfg.Networks[ssid]; d.cfg.Networks == nil || (ok && want == pass) {
		d.joinAt = time.Now().Add(d.cfg.JoinDelay)
	}
	return 0
}

func (d *Device) staGetIP(L *lua.LState) int {
	if !d.joined() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(d.cfg.Address))
	L.Push(lua.LString("255.255.255.0"))
	L.Push(lua.LString(gateway(d.cfg.Address)))
	return 3
}

func (d *Device) staDisconnect(*lua.LState) int {
	d.joinAt = time.Time{}
	return 0
}

func gateway(addr string) string {
	if i := strings.LastIndexByte(addr, '.'); i >= 0 {
		return addr[:i] + ".1"
	}
	return addr
}

func (d *Device) createConnection(L *lua.LState) int {
	kind := "tcp"
	if L.OptInt(1, netTCP) == netUDP {
		kind = "udp"
	}
	s := &socket{d: d, gen: d.gen, kind: kind, handlers: map[string]*lua.LFunction{}}
	s.ud = L.NewUserData()
	s.ud.Value = s
	L.SetMetatable(s.ud, L.GetTypeMetatable(socketType))
	d.sockets = append(d.sockets, s)
	L.Push(s.ud)
	return 1
}

func checkSocket(L *lua.LState) *socket {
	ud := L.CheckUserData(1)
	s, ok := ud.Value.(*socket)
	if !ok {
		L.ArgError(1, "net.socket expected")
	}
	return s
}

func socketOn(L *lua.LState) int {
	s := checkSocket(L)
	name := L.CheckString(2)
	if L.Get(3) == lua.LNil {
		delete(s.handlers, name)
		return 0
	}
	s.handlers[name] = L.CheckFunction(3)
	return 0
}

func socketConnect(L *lua.LState) int {
	s := checkSocket(L)
	port := L.CheckInt(2)
	host := L.CheckString(3)
	s.connect(port, host)
	return 0
}

func socketSend(L *lua.LState) int {
	s := checkSocket(L)
	s.send([]byte(L.CheckString(2)))
	return 0
}

func socketClose(L *lua.LState) int {
	checkSocket(L).close()
	return 0
}

func socketDNS(L *lua.LState) int {
	s := checkSocket(L)
	host := L.CheckString(2)
	fn := L.CheckFunction(3)
	s.dns(host, fn)
	return 0
}
