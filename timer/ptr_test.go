package timer_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrocap/timer"
)

// fakePTR answers like the hardware: every line is echoed, and strobe/trigger
// programs report one timestamp per pulse
func fakePTR(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	reply := func(s string) { conn.Write([]byte(s + "\r\n")) }
	for {
		line, err := rd.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(strings.ReplaceAll(line, "\x03", ""))
		if cmd == "" {
			continue
		}
		reply(cmd)
		fields := strings.Fields(cmd)
		switch fields[0] {
		case "sync":
			reply("Internal clock synchronized: 20240101T000000.000")
		case "geo":
			reply("G:34.2,-118.17,350,20240101T010203.500")
		case "strobe", "trigger":
			var n int
			fmt.Sscan(fields[1], &n)
			for i := 1; i <= n; i++ {
				reply(fmt.Sprintf("S:%06d:20240101T000000.%03d", i, i))
			}
			reply("Acquisition sequence complete")
		}
	}
}

func connectedPTR(t *testing.T, gps bool) *timer.PTR {
	server, client := net.Pipe()
	go fakePTR(server)
	p := timer.NewPTR("sim", false, gps, zerolog.Nop())
	p.Dial = func(context.Context) (io.ReadWriteCloser, error) { return client, nil }
	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(func() { p.Disconnect() })
	return p
}

func TestPTRStrobeProgram(t *testing.T) {
	p := connectedPTR(t, false)
	ctx := context.Background()
	require.NoError(t, p.Arm(ctx, timer.Program{Mode: timer.Strobe, Count: 3}))
	assert.ErrorIs(t, p.Arm(ctx, timer.Program{Mode: timer.Strobe, Count: 3}), timer.ErrArmed)
	assert.ErrorIs(t, p.Sync(ctx), timer.ErrArmed)

	var got []int
	for ts := range p.Timestamps() {
		got = append(got, ts.Index)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
	require.NoError(t, p.Disarm(ctx))
	require.NoError(t, p.Sync(ctx))
}

func TestPTRGPS(t *testing.T) {
	p := connectedPTR(t, true)
	fix, err := p.ReadGPS(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 34.2, fix.Lat, 1e-9)
	assert.InDelta(t, -118.17, fix.Long, 1e-9)
	assert.Equal(t, 2, fix.Time.Minute())

	noGPS := timer.NewPTR("sim", false, false, zerolog.Nop())
	_, err = noGPS.ReadGPS(context.Background())
	assert.ErrorIs(t, err, timer.ErrNoGPS)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := timer.ParseTimestamp("T:000042:20160531T212127.125")
	require.NoError(t, err)
	assert.Equal(t, 42, ts.Index)
	assert.Equal(t, time.Date(2016, 5, 31, 21, 21, 27, 125*int(time.Millisecond), time.UTC), ts.Time)

	for _, bad := range []string{"", "X:000001:20160531T212127.000", "T:00000a:20160531T212127.000", "T:000001:garbage"} {
		_, err := timer.ParseTimestamp(bad)
		assert.ErrorIs(t, err, timer.ErrProtocol, bad)
	}
}

func TestParseGPS(t *testing.T) {
	_, err := timer.ParseGPS("G:1,2,3")
	assert.ErrorIs(t, err, timer.ErrProtocol)
	_, err = timer.ParseGPS("nope")
	assert.ErrorIs(t, err, timer.ErrProtocol)
}
