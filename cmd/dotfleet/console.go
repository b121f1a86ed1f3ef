package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotfleet/dotfleet-go/pkg/dashboard"
	"github.com/dotfleet/dotfleet-go/pkg/recording"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run the recorder with an interactive prompt",
	Long: `Run the recorder and dashboard with an interactive prompt.

Notifications from the sensors are printed as they arrive. Type 'help'
for the list of commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newConsole()
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runApp(ctx, cmd, nil, c)
	},
}

func init() {
	addAppFlags(consoleCmd.Flags())
	rootCmd.AddCommand(consoleCmd)
}

// consoleTimeout bounds each command.
const consoleTimeout = 5 * time.Second

var errQuit = errors.New("quit")

type fileLister interface {
	List() ([]recording.FileInfo, error)
}

// console is the interactive prompt. It also prints orchestrator
// notifications.
type console struct {
	rl  *readline.Instance
	out io.Writer
	mu  sync.Mutex

	ctl   dashboard.Controller
	files fileLister
}

func newConsole() (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dotfleet> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &console{rl: rl, out: rl.Stdout()}, nil
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("scan"),
	readline.PcItem("stop"),
	readline.PcItem("list"),
	readline.PcItem("connect"),
	readline.PcItem("stop-connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("enable"),
	readline.PcItem("disable"),
	readline.PcItem("record"),
	readline.PcItem("stop-record"),
	readline.PcItem("sync"),
	readline.PcItem("heading", readline.PcItem("reset"), readline.PcItem("revert")),
	readline.PcItem("clocksync", readline.PcItem("on"), readline.PcItem("off")),
	readline.PcItem("files"),
	readline.PcItem("state"),
	readline.PcItem("quit"),
)

// Stderr returns a writer that does not garble the prompt.
func (c *console) Stderr() io.Writer {
	if c.rl == nil {
		return c.out
	}
	return c.rl.Stderr()
}

// Close releases the terminal.
func (c *console) Close() error {
	if c.rl == nil {
		return nil
	}
	return c.rl.Close()
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Notify prints a notification.
func (c *console) Notify(name string, params map[string]any) {
	if len(params) == 0 {
		c.printf("[%s]\n", name)
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	c.printf("[%s] %s\n", name, strings.Join(parts, " "))
}

// Run reads commands until quit, EOF or ctx is done.
func (c *console) Run(ctx context.Context) {
	c.printHelp()
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			c.printf("Exiting...\n")
			return
		}
		err = c.exec(ctx, line)
		if errors.Is(err, errQuit) {
			c.printf("Exiting...\n")
			return
		}
		if err != nil {
			c.printf("error: %v\n", err)
		}
	}
}

// exec runs one command line.
func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		c.printHelp()
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "scan":
		return c.ctl.StartScanning(ctx)
	case "stop":
		return c.ctl.StopScanning(ctx)
	case "list", "ls", "devices":
		return c.cmdList(ctx)
	case "connect":
		return c.cmdConnect(ctx, args)
	case "stop-connect":
		return c.ctl.StopConnecting(ctx)
	case "disconnect":
		return c.ctl.Disconnect(ctx, args)
	case "enable":
		return c.cmdEnable(ctx, args)
	case "disable":
		return c.ctl.Disable(ctx, args)
	case "record":
		if len(args) != 1 {
			return errors.New("usage: record <name>")
		}
		return c.ctl.StartRecording(ctx, args[0])
	case "stop-record":
		return c.ctl.StopRecording(ctx)
	case "sync":
		root := ""
		if len(args) > 0 {
			root = args[0]
		}
		return c.ctl.StartSync(ctx, root)
	case "heading":
		return c.cmdHeading(ctx, args)
	case "clocksync":
		return c.cmdClockSync(ctx, args)
	case "files":
		return c.cmdFiles()
	case "state", "status":
		return c.cmdState(ctx)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (c *console) cmdList(ctx context.Context) error {
	devs, err := c.ctl.Devices(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		c.printf("No devices. Use 'scan' to discover sensors.\n")
		return nil
	}
	c.printf("%-18s %-12s %5s %-12s %s\n", "ADDRESS", "STATE", "RSSI", "PAYLOAD", "SAMPLES")
	for _, d := range devs {
		payload := d.Payload
		if payload == "" {
			payload = "-"
		}
		c.printf("%-18s %-12s %5d %-12s %d\n", d.Address, d.State, d.RSSI, payload, d.Samples)
	}
	return nil
}

// cmdConnect connects the given devices, or every unlinked one.
func (c *console) cmdConnect(ctx context.Context, args []string) error {
	if len(args) == 0 {
		devs, err := c.ctl.Devices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devs {
			if !d.Linked {
				args = append(args, d.Address)
			}
		}
		if len(args) == 0 {
			return errors.New("no devices to connect")
		}
	}
	return c.ctl.Connect(ctx, args)
}

// cmdEnable takes an optional payload id or name first, then addresses.
func (c *console) cmdEnable(ctx context.Context, args []string) error {
	var payload wire.PayloadID
	if len(args) > 0 {
		if p, err := wire.ParsePayloadID(args[0]); err == nil {
			payload = p
			args = args[1:]
		}
	}
	return c.ctl.Enable(ctx, args, payload)
}

func (c *console) cmdHeading(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: heading reset|revert [address...]")
	}
	switch strings.ToLower(args[0]) {
	case "reset":
		return c.ctl.ResetHeading(ctx, args[1:])
	case "revert":
		return c.ctl.RevertHeading(ctx, args[1:])
	default:
		return fmt.Errorf("unknown heading command: %s", args[0])
	}
}

func (c *console) cmdClockSync(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: clocksync on|off")
	}
	switch strings.ToLower(args[0]) {
	case "on":
		return c.ctl.SetClockSync(ctx, true)
	case "off":
		return c.ctl.SetClockSync(ctx, false)
	default:
		return fmt.Errorf("invalid clocksync value: %s (use on or off)", args[0])
	}
}

func (c *console) cmdFiles() error {
	if c.files == nil {
		return dashboard.ErrNoRecordings
	}
	files, err := c.files.List()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		c.printf("No recordings.\n")
		return nil
	}
	for _, f := range files {
		c.printf("%-32s %10d  %s\n", f.Name, f.Size, f.Modified.Format(time.DateTime))
	}
	return nil
}

func (c *console) cmdState(ctx context.Context) error {
	s, err := c.ctl.State(ctx)
	if err != nil {
		return err
	}
	c.printf("State:      %s\n", s.Global)
	c.printf("Connected:  %d\n", len(s.Connected))
	c.printf("Measuring:  %d\n", len(s.Measuring))
	c.printf("Payload:    %s\n", s.Payload)
	c.printf("Clock sync: %t\n", s.ClockSync)
	if s.Recording != "" {
		c.printf("Recording:  %s\n", s.Recording)
	}
	if s.Syncing {
		c.printf("Sync round in progress\n")
	}
	return nil
}

func (c *console) printHelp() {
	c.printf(`
dotfleet commands:
  Sensors:
    scan                              - Start scanning for sensors
    stop                              - Stop scanning
    list                              - List discovered sensors
    connect [address...]              - Connect sensors (default: all discovered)
    stop-connect                      - Drop queued connects
    disconnect [address...]           - Disconnect sensors (default: all)

  Measuring:
    enable [payload] [address...]     - Start streaming (payload id or name)
    disable [address...]              - Stop streaming
    record <name>                     - Record to <name>.csv
    stop-record                       - Close the recording
    heading reset|revert [address...] - Reset or revert the heading

  Timing:
    sync [root]                       - Run a clock sync round
    clocksync on|off                  - Toggle device time correction

  General:
    files                             - List recordings
    state                             - Show fleet state
    help                              - Show this help
    quit                              - Exit
`)
}
