package syncround

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotfleet/dotfleet-go/pkg/timer"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

var (
	devA = "D4:22:CD:00:00:01"
	devB = "D4:22:CD:00:00:02"
	devC = "D4:22:CD:00:00:03"
)

type fakeLink struct {
	calls       []string
	failConnect map[string]error
}

func (f *fakeLink) add(op, addr string) { f.calls = append(f.calls, op+" "+addr) }

func (f *fakeLink) Connect(addr string) error {
	f.add("connect", addr)
	return f.failConnect[addr]
}

func (f *fakeLink) Disconnect(addr string) error {
	f.add("disconnect", addr)
	return nil
}

func (f *fakeLink) DiscoverChannels(addr string) error {
	f.add("discover", addr)
	return nil
}

func (f *fakeLink) ReadChannel(addr string, ch wire.Channel) error {
	f.add("read "+ch.String(), addr)
	return nil
}

func (f *fakeLink) WriteChannel(addr string, ch wire.Channel, data []byte) error {
	f.add("write "+ch.String(), addr)
	return nil
}

func (f *fakeLink) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if len(c) > len(op) && c[:len(op)+1] == op+" " {
			n++
		}
	}
	return n
}

type harness struct {
	clock    *timer.Manual
	timers   *timer.Manager
	link     *fakeLink
	coord    *Coordinator
	outcomes []Outcome
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock: timer.NewManual(time.Unix(1_700_000_000, 0)),
		link:  &fakeLink{failConnect: map[string]error{}},
	}
	h.timers = timer.NewManagerWithScheduler(h.clock)

	cfg := DefaultConfig()
	cfg.Now = h.clock.Now
	cfg.NewID = func() string { return fmt.Sprintf("round-%d", len(h.outcomes)+1) }
	cfg.Backoff = BackoffConfig{Jitter: 0, Seed: 1}
	for _, o := range opts {
		o(&cfg)
	}

	h.coord = New(cfg, h.link, h.timers)
	h.coord.OnComplete = func(o Outcome) { h.outcomes = append(h.outcomes, o) }
	h.timers.OnExpiry(func(f timer.Fired) { h.coord.HandleTimer(f) })
	return h
}

func (h *harness) relink(addr string) {
	h.coord.HandleDisconnected(addr)
}

func (h *harness) linkUp(addr string) {
	h.coord.HandleLinkUp(addr)
	h.coord.HandleChannels(addr)
}

func (h *harness) ack(addr string, success bool) {
	h.coord.HandleRead(addr, wire.ChannelRecordingAck, wire.EncodeSyncAck(success))
}

func TestRoundSucceeds(t *testing.T) {
	h := newHarness(t)
	members := []string{devA, devB, devC}

	id, err := h.coord.Start(members, devA)
	require.NoError(t, err)
	assert.Equal(t, "round-1", id)
	assert.True(t, h.coord.Active())
	assert.Equal(t, 3, h.link.count("write"))

	h.clock.Advance(DefaultDisconnectDelay)
	assert.Equal(t, 3, h.link.count("disconnect"))

	for _, m := range members {
		h.relink(m)
	}
	h.clock.Advance(DefaultReconnectDelay)
	assert.Equal(t, 3, h.link.count("connect"))

	for _, m := range members {
		h.linkUp(m)
	}
	h.clock.Advance(DefaultAckPollDelay)
	assert.Equal(t, 3, h.link.count("read"))

	for _, m := range members {
		h.ack(m, true)
	}

	require.Len(t, h.outcomes, 1)
	out := h.outcomes[0]
	assert.True(t, out.Success)
	assert.False(t, out.TimedOut)
	assert.NoError(t, out.Err)
	assert.Equal(t, devA, out.Root)
	assert.Len(t, out.Results, 3)
	assert.Equal(t, DefaultDisconnectDelay+DefaultReconnectDelay+DefaultAckPollDelay, out.Duration)
	assert.False(t, h.coord.Active())
	assert.Zero(t, h.timers.Count(), "watchdog and member timers are cancelled")

	h.clock.Advance(DefaultWatchdog)
	assert.Len(t, h.outcomes, 1, "no late watchdog completion")
}

func TestWatchdogFailsAtDeadlineNotEarlier(t *testing.T) {
	h := newHarness(t)
	members := []string{devA, devB, devC}

	_, err := h.coord.Start(members, devA)
	require.NoError(t, err)

	h.clock.Advance(DefaultDisconnectDelay)
	for _, m := range members {
		h.relink(m)
	}
	h.clock.Advance(DefaultReconnectDelay)

	// Only two members come back and acknowledge.
	h.linkUp(devA)
	h.linkUp(devB)
	h.clock.Advance(DefaultAckPollDelay)
	h.ack(devA, true)
	h.ack(devB, true)

	elapsed := DefaultDisconnectDelay + DefaultReconnectDelay + DefaultAckPollDelay
	h.clock.Advance(DefaultWatchdog - elapsed - time.Millisecond)
	require.Empty(t, h.outcomes, "round must not complete before the watchdog deadline")
	assert.True(t, h.coord.Active())

	h.clock.Advance(time.Millisecond)
	require.Len(t, h.outcomes, 1)

	out := h.outcomes[0]
	assert.False(t, out.Success)
	assert.True(t, out.TimedOut)
	assert.ErrorIs(t, out.Err, ErrWatchdog)
	assert.Equal(t, DefaultWatchdog, out.Duration)
	assert.Equal(t, map[string]bool{devA: true, devB: true}, out.ResultMap())
	assert.False(t, h.coord.Active())
}

func TestFailedAckFailsRound(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start([]string{devA, devB}, devB)
	require.NoError(t, err)

	h.clock.Advance(DefaultDisconnectDelay)
	h.relink(devA)
	h.relink(devB)
	h.clock.Advance(DefaultReconnectDelay)
	h.linkUp(devA)
	h.linkUp(devB)
	h.clock.Advance(DefaultAckPollDelay)

	h.ack(devA, true)
	h.ack(devB, false)

	require.Len(t, h.outcomes, 1)
	assert.False(t, h.outcomes[0].Success)
	assert.False(t, h.outcomes[0].TimedOut)
	assert.ErrorIs(t, h.outcomes[0].Err, ErrIncomplete)
}

func TestCompletionWaitsForLink(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start([]string{devA, devB}, devA)
	require.NoError(t, err)

	h.clock.Advance(DefaultDisconnectDelay)
	h.relink(devA)
	h.relink(devB)
	h.clock.Advance(DefaultReconnectDelay)
	h.linkUp(devA)
	h.linkUp(devB)
	h.clock.Advance(DefaultAckPollDelay)

	h.ack(devA, true)
	// devB drops again before its read completes, then reports late.
	h.coord.HandleDisconnected(devB)
	h.ack(devB, true)
	assert.Empty(t, h.outcomes, "all results but one member unlinked")

	h.clock.Advance(DefaultReconnectDelay)
	h.linkUp(devB)
	require.Len(t, h.outcomes, 1)
	assert.True(t, h.outcomes[0].Success)
}

func TestMalformedAckCountsAsFailure(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start([]string{devA}, devA)
	require.NoError(t, err)
	h.clock.Advance(DefaultDisconnectDelay)
	h.relink(devA)
	h.clock.Advance(DefaultReconnectDelay)
	h.linkUp(devA)
	h.clock.Advance(DefaultAckPollDelay)

	h.coord.HandleRead(devA, wire.ChannelRecordingAck, []byte{0x02, 0x03})

	require.Len(t, h.outcomes, 1)
	require.Len(t, h.outcomes[0].Results, 1)
	assert.ErrorIs(t, h.outcomes[0].Results[0].Err, wire.ErrInvalidAck)
	assert.False(t, h.outcomes[0].Success)
}

func TestReconnectRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Watchdog = 2 * time.Minute })
	h.link.failConnect[devA] = errors.New("le-connection-abort")

	_, err := h.coord.Start([]string{devA}, devA)
	require.NoError(t, err)
	h.clock.Advance(DefaultDisconnectDelay)
	h.relink(devA)

	h.clock.Advance(DefaultReconnectDelay)
	assert.Equal(t, 1, h.link.count("connect"))

	h.clock.Advance(DefaultReconnectDelay)
	assert.Equal(t, 2, h.link.count("connect"), "first retry after the reconnect delay")

	h.clock.Advance(DefaultReconnectDelay)
	assert.Equal(t, 2, h.link.count("connect"), "second retry waits twice as long")

	delete(h.link.failConnect, devA)
	h.clock.Advance(DefaultReconnectDelay)
	assert.Equal(t, 3, h.link.count("connect"))
}

func TestTransportErrorsOfMembers(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start([]string{devA, devB}, devA)
	require.NoError(t, err)

	assert.True(t, h.coord.HandleError(devA, transport.OpRead, errors.New("gatt error")))
	assert.False(t, h.coord.HandleError("00:00:00:00:00:09", transport.OpRead, errors.New("x")))

	h.clock.Advance(DefaultDisconnectDelay)
	h.relink(devB)
	h.clock.Advance(DefaultReconnectDelay)
	h.linkUp(devB)
	h.clock.Advance(DefaultAckPollDelay)
	h.ack(devB, true)

	require.Len(t, h.outcomes, 1)
	assert.Equal(t, map[string]bool{devA: false, devB: true}, h.outcomes[0].ResultMap())
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start(nil, devA)
	assert.ErrorIs(t, err, ErrNoMembers)

	_, err = h.coord.Start([]string{devA}, devB)
	assert.ErrorIs(t, err, ErrRootMember)

	_, err = h.coord.Start([]string{"AA:BB:CC"}, "AA:BB:CC")
	assert.ErrorIs(t, err, wire.ErrInvalidAddress)
	assert.False(t, h.coord.Active())
	assert.Empty(t, h.link.calls, "nothing is sent for a malformed root")

	_, err = h.coord.Start([]string{devA}, devA)
	require.NoError(t, err)
	_, err = h.coord.Start([]string{devA}, devA)
	assert.ErrorIs(t, err, ErrRoundActive)
}

func TestNonMemberEventsIgnored(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Start([]string{devA}, devA)
	require.NoError(t, err)

	assert.False(t, h.coord.HandleDisconnected(devB))
	assert.False(t, h.coord.HandleLinkUp(devB))
	assert.False(t, h.coord.HandleChannels(devB))
	assert.False(t, h.coord.HandleRead(devB, wire.ChannelRecordingAck, wire.EncodeSyncAck(true)))
	assert.False(t, h.coord.HandleRead(devA, wire.ChannelOrientationReset, []byte{1, 0}))
	assert.False(t, h.coord.HandleTimer(timer.Fired{Key: timer.Key{Kind: timer.KindHeadingRead, Address: devA}}))
}
