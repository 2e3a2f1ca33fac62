package nodemcu

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/strikenet/internal/console"
	"github.com/shaunagostinho/strikenet/internal/console/consoletest"
	"github.com/shaunagostinho/strikenet/internal/escape"
)

// script answers statements with a sequence of printed lines; the last one
// repeats. Statements not in the script print nothing.
type script struct {
	mu      sync.Mutex
	replies map[string][]string
}

func (s *script) handle(stmt string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.replies[stmt]
	if !ok {
		return ""
	}
	reply := seq[0]
	if len(seq) > 1 {
		s.replies[stmt] = seq[1:]
	}
	return reply + "\r\n"
}

func newRadio(t *testing.T, replies map[string][]string, sessionCfg console.Config, cfg Config) (*Radio, *consoletest.Port) {
	t.Helper()
	sc := &script{replies: replies}
	port := consoletest.New(sc.handle)
	if sessionCfg.Timeout == 0 {
		sessionCfg.Timeout = 200 * time.Millisecond
	}
	s, err := console.New(port, sessionCfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, cfg), port
}

func count(stmts []string, stmt string) int {
	n := 0
	for _, s := range stmts {
		if s == stmt {
			n++
		}
	}
	return n
}

const addressQuery = "ip=wifi.sta.getip();print(ip)"

func TestConnectPollsUntilAddress(t *testing.T) {
	r, port := newRadio(t, map[string][]string{
		addressQuery: {"nil", "nil", "10.0.0.5"},
	}, console.Config{}, Config{PollTimeout: time.Second})

	require.NoError(t, r.Connect(context.Background(), "ssid", "pwd"))

	stmts := port.Statements()
	assert.Equal(t, 3, count(stmts, addressQuery))
	assert.Equal(t, "wifi.setmode(wifi.STATION);wifi.sta.config('ssid','pwd')", stmts[0])

	addr, ok := r.Address()
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.5", addr)
	assert.True(t, r.IsConnected())
}

func TestConnectFailsWhenAddressNeverArrives(t *testing.T) {
	const timeout = 300 * time.Millisecond
	r, _ := newRadio(t, map[string][]string{
		addressQuery: {"nil"},
	}, console.Config{}, Config{PollTimeout: timeout})

	start := time.Now()
	err := r.Connect(context.Background(), "ssid", "pwd")
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrNoAddress)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+100*time.Millisecond)
	assert.False(t, r.IsConnected())
}

func TestConnectStopsOnCancel(t *testing.T) {
	r, _ := newRadio(t, map[string][]string{
		addressQuery: {"nil"},
	}, console.Config{}, Config{PollTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Connect(ctx, "ssid", "pwd")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectQuotesCredentials(t *testing.T) {
	r, port := newRadio(t, map[string][]string{
		addressQuery: {"10.0.0.5"},
	}, console.Config{}, Config{})

	require.NoError(t, r.Connect(context.Background(), "it's", `a\b')node.restart()--`))

	want := "wifi.setmode(wifi.STATION);wifi.sta.config(" +
		escape.Quote("it's") + "," + escape.Quote(`a\b')node.restart()--`) + ")"
	assert.Equal(t, want, port.Statements()[0])
	assert.NotContains(t, port.Statements()[0], "')node")
}

func TestConnectReportsTransportTimeout(t *testing.T) {
	r, port := newRadio(t, nil, console.Config{Timeout: 50 * time.Millisecond}, Config{})
	port.Mute(true)

	err := r.Connect(context.Background(), "ssid", "pwd")
	assert.ErrorIs(t, err, console.ErrTimeout)
	assert.NotErrorIs(t, err, ErrNoAddress)
}

func TestDisconnect(t *testing.T) {
	const leave = "wifi.sta.disconnect()"

	t.Run("polls until the address is gone", func(t *testing.T) {
		r, port := newRadio(t, map[string][]string{
			addressQuery: {"10.0.0.5", "10.0.0.5", "nil"},
		}, console.Config{}, Config{PollTimeout: time.Second})
		require.NoError(t, r.Connect(context.Background(), "ssid", "pwd"))

		require.NoError(t, r.Disconnect(context.Background()))
		assert.False(t, r.IsConnected())

		stmts := port.Statements()
		assert.Equal(t, 1, count(stmts, leave))
		assert.Equal(t, 3, count(stmts, addressQuery), "one join poll, two leave polls")
	})

	t.Run("address kept", func(t *testing.T) {
		r, _ := newRadio(t, map[string][]string{
			addressQuery: {"10.0.0.5"},
		}, console.Config{}, Config{PollTimeout: 100 * time.Millisecond})
		require.NoError(t, r.Connect(context.Background(), "ssid", "pwd"))

		start := time.Now()
		err := r.Disconnect(context.Background())
		assert.ErrorIs(t, err, ErrStillJoined)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.True(t, r.IsConnected())
	})

	t.Run("cancelled", func(t *testing.T) {
		r, _ := newRadio(t, map[string][]string{
			addressQuery: {"10.0.0.5"},
		}, console.Config{}, Config{PollTimeout: 10 * time.Second})
		require.NoError(t, r.Connect(context.Background(), "ssid", "pwd"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, r.Disconnect(ctx), context.DeadlineExceeded)
	})
}

func TestResolve(t *testing.T) {
	t.Run("literal address", func(t *testing.T) {
		r, port := newRadio(t, nil, console.Config{}, Config{})
		ip, err := r.Resolve(context.Background(), "192.168.1.20")
		require.NoError(t, err)
		assert.Equal(t, "192.168.1.20", ip)
		assert.Empty(t, port.Statements())
	})

	t.Run("literal with leading zeros", func(t *testing.T) {
		r, port := newRadio(t, nil, console.Config{}, Config{})
		ip, err := r.Resolve(context.Background(), "010.000.0.001")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", ip)
		assert.Empty(t, port.Statements())
	})

	t.Run("looked up by radio", func(t *testing.T) {
		r, port := newRadio(t, map[string][]string{
			"print(dn)": {"nil", "93.184.216.34"},
		}, console.Config{}, Config{PollTimeout: time.Second})
		ip, err := r.Resolve(context.Background(), "example.com")
		require.NoError(t, err)
		assert.Equal(t, "93.184.216.34", ip)
		assert.True(t, strings.HasPrefix(port.Statements()[0], "dh='example.com';dn=nil;"))
	})

	t.Run("no answer", func(t *testing.T) {
		r, _ := newRadio(t, map[string][]string{
			"print(dn)": {"nil"},
		}, console.Config{}, Config{PollTimeout: 100 * time.Millisecond})
		_, err := r.Resolve(context.Background(), "nowhere.invalid")
		assert.ErrorIs(t, err, ErrResolve)
	})
}

func TestDottedQuad(t *testing.T) {
	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{"192.168.1.20", "192.168.1.20", true},
		{"010.0.0.1", "10.0.0.1", true},
		{"0.0.0.0", "0.0.0.0", true},
		{"256.1.1.1", "", false},
		{"1.2.3", "", false},
		{"1.2.3.4.5", "", false},
		{"1..3.4", "", false},
		{"1.2.3.x", "", false},
		{"0001.2.3.4", "", false},
		{"example.com", "", false},
	}
	for _, tt := range tests {
		got, ok := dottedQuad(tt.host)
		assert.Equal(t, tt.ok, ok, tt.host)
		assert.Equal(t, tt.want, got, tt.host)
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		flag    []string
		wantErr error
	}{
		{"connects", []string{"nil", "true"}, nil},
		{"refused", []string{"nil", "false"}, ErrRefused},
		{"pending forever", []string{"nil"}, ErrConnectTimeout},
		{"garbage flag", []string{"maybe"}, ErrReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, port := newRadio(t, map[string][]string{
				"print(cc)": tt.flag,
			}, console.Config{}, Config{PollTimeout: 100 * time.Millisecond})

			err := r.Open(context.Background(), TCP, "10.0.0.1", 80, 1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, r.IsOpen())
				return
			}
			require.NoError(t, err)
			assert.True(t, r.IsOpen())

			stmts := port.Statements()
			assert.Equal(t, "c=net.createConnection(net.TCP)", stmts[0])
			assert.Contains(t, stmts, "c:connect(80,'10.0.0.1')")
		})
	}
}

func TestStatementsFitInputLine(t *testing.T) {
	for _, st := range []*console.Statement{
		joinStatement(strings.Repeat("s", 32), strings.Repeat("p", 64)),
		resolveStatement(strings.Repeat("h", 64) + ".example.com"),
		createStatement(UDP),
		handlersStatement(),
		helpersStatement(),
		receiveStatement(),
		connectStatement("255.255.255.255", 65535),
	} {
		assert.LessOrEqual(t, st.Len(), console.DefaultMaxLine, st.String())
	}
}

func openRadio(t *testing.T, replies map[string][]string, sessionCfg console.Config) (*Radio, *consoletest.Port) {
	t.Helper()
	if replies == nil {
		replies = map[string][]string{}
	}
	replies["print(cc)"] = []string{"true"}
	r, port := newRadio(t, replies, sessionCfg, Config{})
	require.NoError(t, r.Open(context.Background(), UDP, "10.0.0.1", 5080, 1))
	return r, port
}

func TestSendChunksPayload(t *testing.T) {
	r, port := openRadio(t, nil, console.Config{})
	payload := make([]byte, 130)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	require.NoError(t, r.Send(payload))

	var got []byte
	sends := 0
	for _, st := range port.Statements() {
		if !strings.HasPrefix(st, "cs('") {
			continue
		}
		sends++
		assert.LessOrEqual(t, len(st), console.DefaultMaxLine)
		b, err := escape.Decode(strings.TrimSuffix(strings.TrimPrefix(st, "cs('"), "')"))
		require.NoError(t, err)
		got = append(got, b...)
	}
	assert.Equal(t, 3, sends)
	assert.Equal(t, payload, got)
}

func TestSendRequiresOpenConnection(t *testing.T) {
	r, _ := newRadio(t, nil, console.Config{}, Config{})
	assert.ErrorIs(t, r.Send([]byte("x")), ErrNotOpen)
	_, err := r.Recv(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRecv(t *testing.T) {
	r, _ := openRadio(t, map[string][]string{
		"cr(8)": {escape.Encode([]byte("ab\r>")), ""},
	}, console.Config{})

	buf := make([]byte, 8)
	n, err := r.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab\r>"), buf[:n])

	n, err = r.Recv(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecvCapsOneStatement(t *testing.T) {
	r, port := openRadio(t, map[string][]string{
		"cr(128)": {escape.Encode([]byte("xyz"))},
	}, console.Config{})

	n, err := r.Recv(make([]byte, 4096))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, count(port.Statements(), "cr(128)"))
}

func TestRecvFramingViolation(t *testing.T) {
	r, _ := openRadio(t, map[string][]string{
		"cr(4)": {"stdin:1: attempt to call global 'cr'"},
	}, console.Config{})

	_, err := r.Recv(make([]byte, 4))
	assert.ErrorIs(t, err, console.ErrFraming)

	_, err = r.Recv(make([]byte, 4))
	assert.ErrorIs(t, err, console.ErrNotReady)
}

func TestAvailable(t *testing.T) {
	r, _ := openRadio(t, map[string][]string{"ca()": {"12"}}, console.Config{})
	n, err := r.Readable()
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.True(t, r.Writeable())
}

func TestGetByte(t *testing.T) {
	r, _ := openRadio(t, map[string][]string{
		"cr(1)": {"", "", escape.Encode([]byte{0xff})},
	}, console.Config{})

	c, err := r.GetByte(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), c)
}

func TestGetByteHonoursContext(t *testing.T) {
	r, _ := openRadio(t, map[string][]string{"cr(1)": {""}}, console.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.GetByte(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream(t *testing.T) {
	r, port := openRadio(t, map[string][]string{
		"cr(16)": {escape.Encode([]byte("pong"))},
	}, console.Config{})
	s := Stream{Radio: r, Ctx: context.Background()}

	n, err := s.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Contains(t, port.Statements(), "cs('"+escape.Encode([]byte("ping"))+"')")

	buf := make([]byte, 16)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestInitResetsAndSyncs(t *testing.T) {
	r, port := newRadio(t, map[string][]string{addressQuery: {"10.0.0.5"}}, console.Config{}, Config{})
	require.NoError(t, r.Connect(context.Background(), "ssid", "pwd"))

	require.NoError(t, r.Init(context.Background()))

	assert.Equal(t, 1, port.Resets())
	assert.Contains(t, port.Statements(), "node.restart()")
	assert.False(t, r.IsConnected())
}

func TestInitWithoutResetLine(t *testing.T) {
	r, port := newRadio(t, nil, console.Config{Reset: console.ResetNone}, Config{})

	require.NoError(t, r.Init(context.Background()))
	assert.Zero(t, port.Resets())
	assert.Contains(t, port.Statements(), "node.restart()")
}

func TestConcurrentCallersAreSerialised(t *testing.T) {
	r, _ := openRadio(t, map[string][]string{"ca()": {"0"}}, console.Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Available()
			errs <- err
		}()
		go func() {
			defer wg.Done()
			errs <- r.Send([]byte("x"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestEstablished(t *testing.T) {
	r, port := newRadio(t, map[string][]string{
		"print(cc)": {"true", "true", "nil", "false"},
	}, console.Config{}, Config{})

	_, err := r.Established()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Equal(t, LinkDown, r.Link())

	require.NoError(t, r.Open(context.Background(), TCP, "10.0.0.1", 5080, 0))
	assert.Equal(t, LinkUp, r.Link())

	up, err := r.Established()
	require.NoError(t, err)
	assert.True(t, up)

	up, err = r.Established()
	require.NoError(t, err)
	assert.False(t, up)
	assert.Equal(t, LinkPending, r.Link())

	up, err = r.Established()
	require.NoError(t, err)
	assert.False(t, up, "peer hung up")
	assert.True(t, r.IsOpen())

	// Link answers from the cache.
	before := len(port.Statements())
	assert.Equal(t, LinkDown, r.Link())
	assert.Equal(t, "down", r.Link().String())
	assert.Len(t, port.Statements(), before)

	require.NoError(t, r.Close())
	assert.Equal(t, LinkDown, r.Link())
}
