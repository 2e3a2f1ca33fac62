package nodemcu

import (
	"fmt"

	"github.com/shaunagostinho/strikenet/internal/console"
	"github.com/shaunagostinho/strikenet/internal/escape"
)

// Statements understood by the NodeMCU firmware's Lua console. Literal
// arguments always go through escape.Quote.

const restartSource = "node.restart()"

// nilReply is what print() shows for an unset global.
const nilReply = "nil"

// addrCap bounds a printed dotted quad.
const addrCap = 15

func joinStatement(ssid, pass string) *console.Statement {
	return console.NewStatement("wifi.setmode(wifi.STATION);").
		Addf("wifi.sta.config(%s,%s)", escape.Quote(ssid), escape.Quote(pass))
}

func addressStatement() *console.Statement {
	return console.NewStatement("ip=wifi.sta.getip();print(ip)")
}

func leaveStatement() *console.Statement {
	return console.NewStatement("wifi.sta.disconnect()")
}

func resolveStatement(host string) *console.Statement {
	return console.NewStatement().
		Addf("dh=%s;dn=nil;", escape.Quote(host)).
		Add("dc=net.createConnection(net.TCP);dc:dns(dh,function(dc,ip) dn=ip end);dc=nil")
}

func printStatement(global string) *console.Statement {
	return console.NewStatement("print(", global, ")")
}

func createStatement(kind Kind) *console.Statement {
	return console.NewStatement("c=net.createConnection(", kind.lua(), ")")
}

// handlersStatement keeps cc nil until the connection resolves either way.
func handlersStatement() *console.Statement {
	return console.NewStatement("cc=nil;",
		"c:on('connection',function() cc=true end);",
		"c:on('disconnection',function() cc=false end)")
}

// helpersStatement defines cs (send), ca (print buffered count) and cr (print
// up to n buffered bytes escaped and drop them).
func helpersStatement() *console.Statement {
	return console.NewStatement("cm='';",
		"function cs(n) c:send(n) end;",
		"function ca() print(#cm) end;",
		`function cr(n) d=cm:sub(1,n):gsub('.',function(s) return s.format('\\%03d',s:byte(1)) end);`,
		"cm=cm:sub(n+1,-1);print(d) end")
}

func receiveStatement() *console.Statement {
	return console.NewStatement("c:on('receive',function(c,n) cm=cm..n end)")
}

func connectStatement(host string, port int) *console.Statement {
	return console.NewStatement().Addf("c:connect(%d,%s)", port, escape.Quote(host))
}

func closeStatement() *console.Statement {
	return console.NewStatement("c:close();c=nil")
}

// sendFrame is the send helper call wrapped around an escaped chunk.
const (
	sendOpen  = "cs('"
	sendClose = "')"
)

func sendStatement(chunk []byte) *console.Statement {
	return console.NewStatement(sendOpen, escape.Encode(chunk), sendClose)
}

func recvStatement(n int) *console.Statement {
	return console.NewStatement().Addf("cr(%d)", n)
}

func availableStatement() *console.Statement {
	return console.NewStatement("ca()")
}

// Kind is the transport of the logical connection.
type Kind string

const (
	TCP Kind = "tcp"
	UDP Kind = "udp"
)

func (k Kind) lua() string {
	if k == UDP {
		return "net.UDP"
	}
	return "net.TCP"
}

// ParseKind maps a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case TCP, "":
		return TCP, nil
	case UDP:
		return UDP, nil
	}
	return "", fmt.Errorf("nodemcu: unknown protocol %q", s)
}
