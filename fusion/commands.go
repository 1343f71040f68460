package fusion

import "strings"

// Command is one entry of the control vocabulary.
type Command string

const (
	CmdReset          Command = "reset"
	CmdKeyframe       Command = "keyframe"
	CmdToggleUI       Command = "toggleUI"
	CmdLockScaleFP    Command = "lockScaleFP"
	CmdToggleLockMap  Command = "toggleLockMap"
	CmdToggleLockSync Command = "toggleLockSync"
	CmdSpace          Command = "space"
)

var knownCommands = map[Command]bool{
	CmdReset:          true,
	CmdKeyframe:       true,
	CmdToggleUI:       true,
	CmdLockScaleFP:    true,
	CmdToggleLockMap:  true,
	CmdToggleLockSync: true,
	CmdSpace:          true,
}

// ParseCommand strips the optional "p " routing prefix and reports whether
// the rest is a known command.
func ParseCommand(raw string) (Command, bool) {
	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(s, "p "); ok {
		s = strings.TrimSpace(rest)
	}
	c := Command(s)
	return c, knownCommands[c]
}

// UIMode selects how much detail the per-frame caption carries.
type UIMode int

const (
	UINone UIMode = iota
	UIDebug
	UIPresentation
)

// Next cycles None, Debug, Presentation.
func (m UIMode) Next() UIMode {
	return (m + 1) % 3
}

func (m UIMode) String() string {
	switch m {
	case UIDebug:
		return "debug"
	case UIPresentation:
		return "presentation"
	}
	return "none"
}
