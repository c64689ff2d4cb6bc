package device

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	CmdPause     = "pause"
	CmdResume    = "resume"
	CmdSpeed     = "print_speed"
	CmdGcodeLine = "gcode_line"
	CmdPushAll   = "pushall"
)

// Command is one request document published to a printer.
type Command struct {
	Print   *PrintCommand   `json:"print,omitempty"`
	Pushing *PushingCommand `json:"pushing,omitempty"`
}

type PrintCommand struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
	Param      string `json:"param"`
	UserID     string `json:"user_id"`
}

type PushingCommand struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
	Version    int    `json:"version"`
	PushTarget int    `json:"push_target"`
}

func printCommand(name, param string) Command {
	return Command{Print: &PrintCommand{SequenceID: "0", Command: name, Param: param}}
}

func Pause() Command  { return printCommand(CmdPause, "") }
func Resume() Command { return printCommand(CmdResume, "") }

// SetSpeed selects a speed profile. The firmware expects the level as a
// string parameter.
func SetSpeed(level int) Command {
	return printCommand(CmdSpeed, strconv.Itoa(level))
}

// GcodeLine runs raw G-code. Multiple lines are separated by "\n".
func GcodeLine(code string) Command {
	return printCommand(CmdGcodeLine, code)
}

// PushAll asks the printer for a full state report.
func PushAll() Command {
	return Command{Pushing: &PushingCommand{SequenceID: "0", Command: CmdPushAll, Version: 1, PushTarget: 1}}
}

func (c Command) Name() string {
	switch {
	case c.Print != nil:
		return c.Print.Command
	case c.Pushing != nil:
		return c.Pushing.Command
	}
	return ""
}

func (c Command) Param() string {
	if c.Print != nil {
		return c.Print.Param
	}
	return ""
}

func (c Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func ReportTopic(serial string) string {
	return fmt.Sprintf("device/%s/report", serial)
}

func RequestTopic(serial string) string {
	return fmt.Sprintf("device/%s/request", serial)
}
