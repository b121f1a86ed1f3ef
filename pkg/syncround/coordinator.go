// Package syncround runs the multi-device clock alignment round.
//
// A round broadcasts the sync-start frame naming a root sensor to every
// member, disconnects the members so the alignment can run on-device,
// reconnects each member and reads its acknowledge. It completes when every
// member is linked again and has reported, or when the watchdog fires.
//
// The Coordinator is driven by the orchestrator's dispatcher: every Handle
// method must be called from that one goroutine.
package syncround

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dotfleet/dotfleet-go/pkg/backoff"
	"github.com/dotfleet/dotfleet-go/pkg/timer"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// Round errors.
var (
	ErrRoundActive = errors.New("sync round already active")
	ErrNoMembers   = errors.New("sync round without members")
	ErrRootMember  = errors.New("root is not a round member")
	ErrWatchdog    = errors.New("sync round watchdog expired")
	ErrIncomplete  = errors.New("sync round incomplete")
)

// Default timings.
const (
	DefaultDisconnectDelay = 800 * time.Millisecond
	DefaultReconnectDelay  = 12 * time.Second
	DefaultAckPollDelay    = 1500 * time.Millisecond
	DefaultWatchdog        = 48 * time.Second
)

// Link is the part of the transport a round drives.
type Link interface {
	Connect(addr string) error
	Disconnect(addr string) error
	DiscoverChannels(addr string) error
	ReadChannel(addr string, ch wire.Channel) error
	WriteChannel(addr string, ch wire.Channel, data []byte) error
}

// Config configures a Coordinator.
type Config struct {
	// DisconnectDelay separates the sync-start broadcast from the
	// disconnect of every member.
	DisconnectDelay time.Duration

	// ReconnectDelay is the wait after a member dropped before connecting
	// it again.
	ReconnectDelay time.Duration

	// AckPollDelay is the settle time after a member is linked again
	// before its acknowledge is read.
	AckPollDelay time.Duration

	// Watchdog bounds the whole round.
	Watchdog time.Duration

	Backoff BackoffConfig

	// NewID returns round ids. Nil means random UUIDs.
	NewID func() string

	// Now is the clock used for round durations. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		DisconnectDelay: DefaultDisconnectDelay,
		ReconnectDelay:  DefaultReconnectDelay,
		AckPollDelay:    DefaultAckPollDelay,
		Watchdog:        DefaultWatchdog,
	}
}

// Result is the acknowledge of one member.
type Result struct {
	Address string
	Success bool

	// Err is set when no valid acknowledge was obtained.
	Err error
}

// Outcome describes a finished round.
type Outcome struct {
	RoundID  string
	Root     string
	Members  []string
	Results  []Result
	Success  bool
	TimedOut bool
	Started  time.Time
	Duration time.Duration

	// Err is nil on success, ErrWatchdog on timeout, ErrIncomplete when a
	// member reported failure.
	Err error
}

// ResultMap returns the results keyed by address.
func (o Outcome) ResultMap() map[string]bool {
	m := make(map[string]bool, len(o.Results))
	for _, r := range o.Results {
		m[r.Address] = r.Success
	}
	return m
}

type round struct {
	id      string
	root    string
	members []string
	member  map[string]bool
	linked  map[string]bool
	results map[string]Result
	order   []string
	retry   map[string]*backoff.Backoff
	started time.Time
}

// Coordinator runs one round at a time.
type Coordinator struct {
	cfg    Config
	link   Link
	timers *timer.Manager
	rng    *rand.Rand

	// OnComplete receives each finished round once.
	OnComplete func(Outcome)

	round *round
}

// New creates a coordinator. Timer expiries of the manager must be routed
// back into HandleTimer by the caller.
func New(cfg Config, link Link, timers *timer.Manager) *Coordinator {
	def := DefaultConfig()
	if cfg.DisconnectDelay <= 0 {
		cfg.DisconnectDelay = def.DisconnectDelay
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.AckPollDelay <= 0 {
		cfg.AckPollDelay = def.AckPollDelay
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = def.Watchdog
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	seed := cfg.Backoff.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Coordinator{
		cfg:    cfg,
		link:   link,
		timers: timers,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Active reports whether a round is running.
func (c *Coordinator) Active() bool {
	return c.round != nil
}

// Members returns the members of the running round.
func (c *Coordinator) Members() []string {
	if c.round == nil {
		return nil
	}
	return slices.Clone(c.round.members)
}

// IsMember reports whether addr takes part in the running round.
func (c *Coordinator) IsMember(addr string) bool {
	return c.round != nil && c.round.member[addr]
}

// Start begins a round over members with root as the reference sensor. It
// returns the round id. A malformed root address aborts before anything is
// sent.
func (c *Coordinator) Start(members []string, root string) (string, error) {
	if c.round != nil {
		return "", ErrRoundActive
	}
	if len(members) == 0 {
		return "", ErrNoMembers
	}
	if !slices.Contains(members, root) {
		return "", fmt.Errorf("%w: %s", ErrRootMember, root)
	}
	frame, err := wire.EncodeSyncStart(root)
	if err != nil {
		return "", err
	}

	r := &round{
		id:      c.cfg.NewID(),
		root:    root,
		members: slices.Clone(members),
		member:  make(map[string]bool, len(members)),
		linked:  make(map[string]bool, len(members)),
		results: make(map[string]Result, len(members)),
		retry:   make(map[string]*backoff.Backoff, len(members)),
		started: c.cfg.Now(),
	}
	for _, m := range members {
		r.member[m] = true
		r.linked[m] = true
		r.retry[m] = c.cfg.Backoff.retry(c.cfg.ReconnectDelay, c.rng)
	}
	c.round = r

	c.info("sync: round started", "round", r.id, "root", root, "members", len(members))

	c.setTimer(timer.Key{Kind: timer.KindWatchdog}, c.cfg.Watchdog)
	for _, m := range r.members {
		if err := c.link.WriteChannel(m, wire.ChannelRecordingControl, frame); err != nil {
			c.warn("sync: start frame not sent", "address", m, "error", err)
		}
	}
	c.setTimer(timer.Key{Kind: timer.KindDisconnect}, c.cfg.DisconnectDelay)
	return r.id, nil
}

// HandleTimer processes an expiry of a round timer. It returns false for
// timers that do not belong to the round or are stale.
func (c *Coordinator) HandleTimer(f timer.Fired) bool {
	switch f.Key.Kind {
	case timer.KindDisconnect, timer.KindReconnect, timer.KindAckPoll, timer.KindWatchdog:
	default:
		return false
	}
	if !c.timers.Claim(f) || c.round == nil {
		return false
	}

	addr := f.Key.Address
	switch f.Key.Kind {
	case timer.KindWatchdog:
		c.warn("sync: watchdog expired", "round", c.round.id, "results", len(c.round.results), "members", len(c.round.members))
		c.finish(true)

	case timer.KindDisconnect:
		for _, m := range c.round.members {
			if err := c.link.Disconnect(m); err != nil {
				c.warn("sync: disconnect", "address", m, "error", err)
			}
		}

	case timer.KindReconnect:
		if c.round.linked[addr] {
			return true
		}
		if err := c.link.Connect(addr); err != nil {
			c.retryConnect(addr, err)
		}

	case timer.KindAckPoll:
		if _, done := c.round.results[addr]; done {
			return true
		}
		if err := c.link.ReadChannel(addr, wire.ChannelRecordingAck); err != nil {
			c.record(Result{Address: addr, Err: err})
		}
	}
	return true
}

// HandleDisconnected notes a dropped member and schedules its reconnect.
func (c *Coordinator) HandleDisconnected(addr string) bool {
	if !c.IsMember(addr) {
		return false
	}
	c.round.linked[addr] = false
	c.cancel(timer.Key{Kind: timer.KindAckPoll, Address: addr})
	c.setTimer(timer.Key{Kind: timer.KindReconnect, Address: addr}, c.cfg.ReconnectDelay)
	return true
}

// HandleLinkUp continues a reconnected member with channel discovery.
func (c *Coordinator) HandleLinkUp(addr string) bool {
	if !c.IsMember(addr) {
		return false
	}
	c.cancel(timer.Key{Kind: timer.KindReconnect, Address: addr})
	if err := c.link.DiscoverChannels(addr); err != nil {
		c.retryConnect(addr, err)
	}
	return true
}

// HandleChannels marks a member linked and schedules the acknowledge read.
func (c *Coordinator) HandleChannels(addr string) bool {
	if !c.IsMember(addr) {
		return false
	}
	c.round.linked[addr] = true
	c.round.retry[addr].Reset()
	if _, done := c.round.results[addr]; !done {
		c.setTimer(timer.Key{Kind: timer.KindAckPoll, Address: addr}, c.cfg.AckPollDelay)
	}
	c.checkComplete()
	return true
}

// HandleRead consumes an acknowledge read.
func (c *Coordinator) HandleRead(addr string, ch wire.Channel, data []byte) bool {
	if !c.IsMember(addr) || ch != wire.ChannelRecordingAck {
		return false
	}
	ack, err := wire.DecodeSyncAck(data)
	if err != nil {
		c.record(Result{Address: addr, Err: err})
		return true
	}
	res := Result{Address: addr, Success: ack.Success}
	if !ack.Success {
		res.Err = fmt.Errorf("sensor reported code 0x%02x", ack.Code)
	}
	c.record(res)
	return true
}

// HandleError reacts to a failed operation on a member. Failed connects
// and discoveries are retried with backoff; a failed acknowledge read
// counts as a failed result.
func (c *Coordinator) HandleError(addr string, op transport.Op, err error) bool {
	if !c.IsMember(addr) {
		return false
	}
	switch op {
	case transport.OpConnect, transport.OpDiscover:
		c.round.linked[addr] = false
		c.retryConnect(addr, err)
	case transport.OpRead:
		c.record(Result{Address: addr, Err: err})
	default:
		c.debug("sync: member error ignored", "address", addr, "op", op.String(), "error", err)
	}
	return true
}

func (c *Coordinator) retryConnect(addr string, cause error) {
	delay := c.round.retry[addr].Next()
	c.info("sync: reconnect retry", "address", addr, "delay", delay, "error", cause)
	c.setTimer(timer.Key{Kind: timer.KindReconnect, Address: addr}, delay)
}

func (c *Coordinator) record(res Result) {
	r := c.round
	if _, done := r.results[res.Address]; done {
		return
	}
	r.results[res.Address] = res
	r.order = append(r.order, res.Address)
	c.info("sync: member result", "address", res.Address, "success", res.Success, "error", res.Err)
	c.checkComplete()
}

func (c *Coordinator) checkComplete() {
	r := c.round
	if r == nil {
		return
	}
	linked := 0
	for _, m := range r.members {
		if r.linked[m] {
			linked++
		}
	}
	if linked == len(r.members) && len(r.results) == len(r.members) {
		c.finish(false)
	}
}

func (c *Coordinator) finish(timedOut bool) {
	r := c.round
	c.round = nil

	c.cancel(timer.Key{Kind: timer.KindWatchdog})
	c.cancel(timer.Key{Kind: timer.KindDisconnect})
	for _, m := range r.members {
		c.cancel(timer.Key{Kind: timer.KindReconnect, Address: m})
		c.cancel(timer.Key{Kind: timer.KindAckPoll, Address: m})
	}

	out := Outcome{
		RoundID:  r.id,
		Root:     r.root,
		Members:  r.members,
		TimedOut: timedOut,
		Started:  r.started,
		Duration: c.cfg.Now().Sub(r.started),
	}
	success := !timedOut && len(r.results) == len(r.members)
	for _, addr := range r.order {
		res := r.results[addr]
		out.Results = append(out.Results, res)
		if !res.Success {
			success = false
		}
	}
	out.Success = success
	switch {
	case timedOut:
		out.Err = ErrWatchdog
	case !success:
		out.Err = ErrIncomplete
	}

	c.info("sync: round done", "round", r.id, "success", out.Success, "timed_out", timedOut, "duration", out.Duration)
	if c.OnComplete != nil {
		c.OnComplete(out)
	}
}

func (c *Coordinator) setTimer(key timer.Key, d time.Duration) {
	if _, err := c.timers.Set(key, d); err != nil {
		c.warn("sync: timer", "kind", key.Kind.String(), "address", key.Address, "error", err)
	}
}

func (c *Coordinator) cancel(key timer.Key) {
	_ = c.timers.Cancel(key)
}

func (c *Coordinator) debug(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, args...)
	}
}

func (c *Coordinator) info(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(msg, args...)
	}
}

func (c *Coordinator) warn(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(msg, args...)
	}
}
