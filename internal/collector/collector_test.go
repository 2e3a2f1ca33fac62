package collector

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/strikenet/internal/console"
	"github.com/shaunagostinho/strikenet/internal/emulator"
	"github.com/shaunagostinho/strikenet/internal/nodemcu"
	"github.com/shaunagostinho/strikenet/internal/strike"
)

type chanSource struct {
	records chan strike.Record
	err     error
}

func newChanSource(records ...strike.Record) *chanSource {
	src := &chanSource{records: make(chan strike.Record, 16)}
	for _, r := range records {
		src.records <- r
	}
	return src
}

func (s *chanSource) Name() string { return "test" }

func (s *chanSource) Next(ctx context.Context) (strike.Record, error) {
	select {
	case r, ok := <-s.records:
		if !ok {
			return strike.Record{}, s.err
		}
		return r, nil
	case <-ctx.Done():
		return strike.Record{}, ctx.Err()
	}
}

func (s *chanSource) Close() error { return nil }

// fakeRadio fails each operation with its queued errors, then succeeds.
type fakeRadio struct {
	mu          sync.Mutex
	calls       []string
	initErrs    []error
	connectErrs []error
	openErrs    []error
	sendErrs    []error
	established []bool
	sent        [][]byte
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeRadio) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeRadio) Init(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("init")
	return pop(&f.initErrs)
}

func (f *fakeRadio) Connect(_ context.Context, ssid, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect")
	return pop(&f.connectErrs)
}

func (f *fakeRadio) Address() (string, bool) { return "10.0.0.5", true }

func (f *fakeRadio) Resolve(_ context.Context, host string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resolve")
	return "10.0.0.1", nil
}

func (f *fakeRadio) Open(context.Context, nodemcu.Kind, string, int, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open")
	return pop(&f.openErrs)
}

func (f *fakeRadio) Established() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.established) == 0 {
		return true, nil
	}
	up := f.established[0]
	f.established = f.established[1:]
	return up, nil
}

func (f *fakeRadio) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.sendErrs); err != nil {
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeRadio) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	return nil
}

func (f *fakeRadio) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRadio) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func encode(t *testing.T, r strike.Record) []byte {
	t.Helper()
	b, err := r.MarshalBinary()
	require.NoError(t, err)
	return b
}

// start runs c until stop is called, which returns Run's error.
func start(c *Collector) (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("collector did not stop")
		}
	}
}

var testConfig = Config{SSID: "lab", Passphrase: "pw", Host: "receiver", Port: 5080, RetryDelay: time.Millisecond}

func TestForwardsRecords(t *testing.T) {
	r1 := strike.Record{DetectorID: 1, DistanceKM: 14, SinceLastMS: 900}
	r2 := strike.Record{DetectorID: 1, DistanceKM: 12, SinceLastMS: 400}
	radio := &fakeRadio{}
	stop := start(New(radio, newChanSource(r1, r2), testConfig))

	require.Eventually(t, func() bool { return radio.sentCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)

	assert.Equal(t, [][]byte{encode(t, r1), encode(t, r2)}, radio.sent)
	assert.Equal(t, []string{"init", "connect", "resolve", "open", "close"}, radio.calls)
}

func TestJoinRetries(t *testing.T) {
	radio := &fakeRadio{
		initErrs:    []error{console.ErrTimeout},
		connectErrs: []error{nodemcu.ErrNoAddress},
	}
	stop := start(New(radio, newChanSource(strike.Record{DetectorID: 2}), testConfig))

	require.Eventually(t, func() bool { return radio.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, stop(), context.Canceled)
	assert.Equal(t, 3, radio.count("init"))
	assert.Equal(t, 2, radio.count("connect"))
}

func TestOpenRetries(t *testing.T) {
	t.Run("refusal is retried without a reset", func(t *testing.T) {
		radio := &fakeRadio{openErrs: []error{nodemcu.ErrRefused, nodemcu.ErrConnectTimeout}}
		stop := start(New(radio, newChanSource(strike.Record{DetectorID: 3}), testConfig))

		require.Eventually(t, func() bool { return radio.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.ErrorIs(t, stop(), context.Canceled)
		assert.Equal(t, 1, radio.count("init"))
		assert.Equal(t, 3, radio.count("open"))
	})

	t.Run("console failure starts over", func(t *testing.T) {
		radio := &fakeRadio{openErrs: []error{console.ErrNotReady}}
		stop := start(New(radio, newChanSource(strike.Record{DetectorID: 3}), testConfig))

		require.Eventually(t, func() bool { return radio.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.ErrorIs(t, stop(), context.Canceled)
		assert.Equal(t, 2, radio.count("init"))
		assert.Equal(t, 2, radio.count("open"))
	})
}

func TestReconnects(t *testing.T) {
	r1 := strike.Record{DetectorID: 4, DistanceKM: 30}
	r2 := strike.Record{DetectorID: 4, DistanceKM: 25}

	t.Run("receiver hung up", func(t *testing.T) {
		radio := &fakeRadio{established: []bool{true, false}}
		stop := start(New(radio, newChanSource(r1, r2), testConfig))

		require.Eventually(t, func() bool { return radio.sentCount() == 2 }, 2*time.Second, 5*time.Millisecond)
		require.ErrorIs(t, stop(), context.Canceled)
		assert.Equal(t, [][]byte{encode(t, r1), encode(t, r2)}, radio.sent)
		assert.Equal(t, 2, radio.count("init"))
	})

	t.Run("send failed", func(t *testing.T) {
		radio := &fakeRadio{sendErrs: []error{console.ErrTimeout}}
		stop := start(New(radio, newChanSource(r1), testConfig))

		require.Eventually(t, func() bool { return radio.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.ErrorIs(t, stop(), context.Canceled)
		assert.Equal(t, [][]byte{encode(t, r1)}, radio.sent)
		assert.Equal(t, 2, radio.count("init"))
	})
}

func TestSourceFailureEndsRun(t *testing.T) {
	boom := errors.New("detector unplugged")
	src := newChanSource()
	src.err = boom
	close(src.records)
	radio := &fakeRadio{}

	err := New(radio, src, testConfig).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, radio.count("close"))
}

func TestEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dev := emulator.New(emulator.Config{JoinDelay: 20 * time.Millisecond})
	s, err := console.New(dev, console.Config{Timeout: time.Second})
	require.NoError(t, err)
	defer s.Close()
	radio := nodemcu.New(s, nodemcu.Config{PollTimeout: 3 * time.Second})

	src := newChanSource()
	port := ln.Addr().(*net.TCPAddr).Port
	stop := start(New(radio, src, Config{
		SSID:       "lab",
		Passphrase: "pw",
		Host:       "127.0.0.1",
		Port:       port,
		Kind:       nodemcu.TCP,
		RetryDelay: 10 * time.Millisecond,
	}))
	defer stop()

	accept := func() net.Conn {
		t.Helper()
		ln.(*net.TCPListener).SetDeadline(time.Now().Add(10 * time.Second))
		conn, err := ln.Accept()
		require.NoError(t, err)
		return conn
	}
	receive := func(conn net.Conn) strike.Record {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, strike.Size)
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
		var r strike.Record
		require.NoError(t, r.UnmarshalBinary(buf))
		return r
	}

	first := strike.Record{DetectorID: 9, DistanceKM: 17, SinceLastMS: 1234}
	conn := accept()
	src.records <- first
	assert.Equal(t, first, receive(conn))

	// The receiver goes away; the collector must notice and come back.
	conn.Close()
	time.Sleep(200 * time.Millisecond)

	second := strike.Record{DetectorID: 9, DistanceKM: strike.DistanceOverhead, SinceLastMS: 50}
	src.records <- second
	conn = accept()
	defer conn.Close()
	assert.Equal(t, second, receive(conn))
}
