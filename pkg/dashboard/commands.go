package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dotfleet/dotfleet-go/pkg/orchestrator"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// Commands sent by the dashboard.
const (
	CmdStartScanning         = "startScanning"
	CmdStopScanning          = "stopScanning"
	CmdConnectSensors        = "connectSensors"
	CmdStopConnectingSensors = "stopConnectingSensors"
	CmdDisconnectSensors     = "disconnectSensors"
	CmdStartMeasuring        = "startMeasuring"
	CmdStopMeasuring         = "stopMeasuring"
	CmdStartRecording        = "startRecording"
	CmdStopRecording         = "stopRecording"
	CmdResetHeading          = "resetHeading"
	CmdRevertHeading         = "revertHeading"
	CmdStartSyncing          = "startSyncing"
	CmdEnableSync            = "enableSync"
	CmdGetConnectedSensors   = "getConnectedSensors"
	CmdGetFileList           = "getFileList"
	CmdDeleteFiles           = "deleteFiles"
)

// Server-side events that are not orchestrator notifications.
const (
	EventCommandError = "commandError"
	EventFileList     = "fileList"
)

// ErrUnknownCommand is returned for a command name the dashboard does not
// know.
var ErrUnknownCommand = errors.New("unknown command")

// Controller is the part of the orchestrator the dashboard drives.
type Controller interface {
	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error
	Connect(ctx context.Context, addrs []string) error
	StopConnecting(ctx context.Context) error
	Disconnect(ctx context.Context, addrs []string) error
	Enable(ctx context.Context, addrs []string, payload wire.PayloadID) error
	Disable(ctx context.Context, addrs []string) error
	StartRecording(ctx context.Context, name string) error
	StopRecording(ctx context.Context) error
	StartSync(ctx context.Context, root string) error
	SetClockSync(ctx context.Context, enabled bool) error
	ResetHeading(ctx context.Context, addrs []string) error
	RevertHeading(ctx context.Context, addrs []string) error

	ConnectedDevices(ctx context.Context) ([]string, error)
	Devices(ctx context.Context) ([]orchestrator.DeviceInfo, error)
	State(ctx context.Context) (orchestrator.Snapshot, error)
}

var _ Controller = (*orchestrator.Orchestrator)(nil)

type commandParams struct {
	Addresses        []string `json:"addresses"`
	PayloadID        int      `json:"measuringPayloadId"`
	Filename         string   `json:"filename"`
	Root             string   `json:"root"`
	IsSyncingEnabled *bool    `json:"isSyncingEnabled"`
	Files            []string `json:"files"`
}

func decodeParams(raw json.RawMessage) (commandParams, error) {
	var p commandParams
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	// deleteFiles may carry a bare list of names.
	if raw[0] == '[' {
		err := json.Unmarshal(raw, &p.Files)
		return p, err
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

// handleCommand runs one dashboard command. Failures are reported to the
// sender as commandError.
func (s *Server) handleCommand(c *client, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	defer cancel()

	if err := s.execute(ctx, c, msg); err != nil {
		s.debugLog("command failed", "command", msg.Event, "error", err)
		s.hub.reply(c, EventCommandError, map[string]any{
			"command": msg.Event,
			"error":   err.Error(),
		})
	}
}

func (s *Server) execute(ctx context.Context, c *client, msg Message) error {
	p, err := decodeParams(msg.Params)
	if err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	ctl := s.cfg.Controller

	switch msg.Event {
	case CmdStartScanning:
		return ctl.StartScanning(ctx)
	case CmdStopScanning:
		return ctl.StopScanning(ctx)
	case CmdConnectSensors:
		return ctl.Connect(ctx, p.Addresses)
	case CmdStopConnectingSensors:
		return ctl.StopConnecting(ctx)
	case CmdDisconnectSensors:
		return ctl.Disconnect(ctx, p.Addresses)
	case CmdStartMeasuring:
		return ctl.Enable(ctx, p.Addresses, wire.PayloadID(p.PayloadID))
	case CmdStopMeasuring:
		return ctl.Disable(ctx, p.Addresses)
	case CmdStartRecording:
		return ctl.StartRecording(ctx, p.Filename)
	case CmdStopRecording:
		return ctl.StopRecording(ctx)
	case CmdResetHeading:
		return ctl.ResetHeading(ctx, p.Addresses)
	case CmdRevertHeading:
		return ctl.RevertHeading(ctx, p.Addresses)
	case CmdStartSyncing:
		return ctl.StartSync(ctx, p.Root)
	case CmdEnableSync:
		enabled := true
		if p.IsSyncingEnabled != nil {
			enabled = *p.IsSyncingEnabled
		}
		return ctl.SetClockSync(ctx, enabled)

	case CmdGetConnectedSensors:
		addrs, err := ctl.ConnectedDevices(ctx)
		if err != nil {
			return err
		}
		if addrs == nil {
			addrs = []string{}
		}
		s.hub.reply(c, orchestrator.NoteConnectedSensors, addrs)
		return nil

	case CmdGetFileList:
		return s.PushFileList()

	case CmdDeleteFiles:
		_, err := s.deleteFiles(ctx, p.Files)
		if perr := s.PushFileList(); err == nil {
			err = perr
		}
		return err

	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, msg.Event)
	}
}

// PushFileList broadcasts the recording file names. It is also the
// recordings watcher callback.
func (s *Server) PushFileList() error {
	if s.cfg.Files == nil {
		return ErrNoRecordings
	}
	files, err := s.cfg.Files.List()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	s.hub.Broadcast(EventFileList, names)
	return nil
}

// deleteFiles removes recording files and their history rows.
func (s *Server) deleteFiles(ctx context.Context, names []string) ([]string, error) {
	if s.cfg.Files == nil {
		return nil, ErrNoRecordings
	}
	removed, err := s.cfg.Files.Delete(names)
	if s.cfg.History != nil {
		for _, name := range removed {
			if _, herr := s.cfg.History.DeleteRecordings(ctx, name); herr != nil {
				s.warnLog("delete recording history", "file", name, "error", herr)
			}
		}
	}
	return removed, err
}
