package state

// ModeChange is one flag from a MODE line, with its argument when the flag
// takes one.
type ModeChange struct {
	Add  bool
	Mode byte
	Arg  string
}

// ParseModeChanges splits a channel mode string and its arguments into
// individual changes, using CHANMODES and PREFIX to decide which letters
// consume an argument. A list mode without an argument (a list query) gets
// an empty Arg.
func ParseModeChanges(is *ISupport, modes string, args []string) []ModeChange {
	var changes []ModeChange
	adding := true
	for i := 0; i < len(modes); i++ {
		switch c := modes[i]; c {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			change := ModeChange{Add: adding, Mode: c}
			if is.takesArg(c, adding) && len(args) > 0 {
				change.Arg = args[0]
				args = args[1:]
			}
			changes = append(changes, change)
		}
	}
	return changes
}

// ParseUserModes splits a user mode string such as "+iw-x"; user modes
// never take arguments.
func ParseUserModes(modes string) []ModeChange {
	var changes []ModeChange
	adding := true
	for i := 0; i < len(modes); i++ {
		switch c := modes[i]; c {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			changes = append(changes, ModeChange{Add: adding, Mode: c})
		}
	}
	return changes
}
