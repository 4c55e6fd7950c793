package targets

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/piwi3910/nebulaguard/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis speaks just enough RESP to answer PING, PUBLISH and XADD.
type fakeRedis struct {
	ln       net.Listener
	commands [][]string
	mu       sync.Mutex
}

func newFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeRedis{ln: ln}

	go f.serve()

	t.Cleanup(func() { _ = ln.Close() })

	return f
}

func (f *fakeRedis) Addr() string { return f.ln.Addr().String() }

func (f *fakeRedis) Commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]string(nil), f.commands...)
}

func (f *fakeRedis) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}

		go f.handle(conn)
	}
}

func (f *fakeRedis) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	r := bufio.NewReader(conn)

	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}

		f.mu.Lock()
		f.commands = append(f.commands, args)
		f.mu.Unlock()

		var reply string

		switch strings.ToUpper(args[0]) {
		case "PING":
			reply = "+PONG\r\n"
		case "PUBLISH":
			reply = ":1\r\n"
		case "XADD":
			reply = "$3\r\n1-0\r\n"
		default:
			reply = "-ERR unknown command\r\n"
		}

		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected %q", line)
	}

	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, n)

	for i := 0; i < n; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}

		size, err := strconv.Atoi(strings.TrimSpace(header[1:]))
		if err != nil {
			return nil, err
		}

		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}

		args = append(args, string(buf[:size]))
	}

	return args, nil
}

func TestRedisConfigValidation(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Address = ""

	_, err := NewRedisTarget(cfg)
	require.ErrorIs(t, err, events.ErrInvalidConfig)

	cfg = DefaultRedisConfig()
	cfg.Channel = ""

	_, err = NewRedisTarget(cfg)
	require.ErrorIs(t, err, events.ErrInvalidConfig)
}

func TestRedisPublishToChannel(t *testing.T) {
	srv := newFakeRedis(t)

	cfg := DefaultRedisConfig()
	cfg.Address = srv.Addr()

	target, err := NewRedisTarget(cfg)
	require.NoError(t, err)
	defer func() { _ = target.Close() }()

	assert.True(t, target.IsHealthy(context.Background()))
	require.NoError(t, target.Publish(context.Background(), testEvent()))

	var publish []string

	for _, cmd := range srv.Commands() {
		if strings.EqualFold(cmd[0], "publish") {
			publish = cmd
		}
	}

	require.Len(t, publish, 3)
	assert.Equal(t, "nebulaguard:violations", publish[1])
	assert.Contains(t, publish[2], `"id":"v-1"`)
}

func TestRedisPublishToStream(t *testing.T) {
	srv := newFakeRedis(t)

	cfg := DefaultRedisConfig()
	cfg.Address = srv.Addr()
	cfg.Stream = "dlp-violations"
	cfg.MaxLen = 1000

	target, err := NewRedisTarget(cfg)
	require.NoError(t, err)
	defer func() { _ = target.Close() }()

	event := testEvent()
	require.NoError(t, target.Publish(context.Background(), event))

	var xadd []string

	for _, cmd := range srv.Commands() {
		if strings.EqualFold(cmd[0], "xadd") {
			xadd = cmd
		}
	}

	require.NotEmpty(t, xadd)
	assert.Equal(t, "dlp-violations", xadd[1])
	assert.Contains(t, strings.ToLower(strings.Join(xadd, " ")), "maxlen ~ 1000")
	assert.Contains(t, xadd, event.EventID)
}

func TestRedisClosed(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Address = "127.0.0.1:1"

	target, err := NewRedisTarget(cfg)
	require.NoError(t, err)
	require.NoError(t, target.Close())
	require.NoError(t, target.Close())

	assert.False(t, target.IsHealthy(context.Background()))
	require.ErrorIs(t, target.Publish(context.Background(), testEvent()), events.ErrTargetClosed)
}
