package text

import "strings"

// DefaultChanTypes is used until the server sends ISUPPORT CHANTYPES.
const DefaultChanTypes = "#&+!"

// IsChannel reports whether target names a channel under the given
// CHANTYPES. Status-message targets like "@#chan" are not channels; strip
// the STATUSMSG prefix first with SplitStatusTarget.
func IsChannel(target, chantypes string) bool {
	if target == "" {
		return false
	}
	return strings.IndexByte(chantypes, target[0]) != -1
}

// SplitStatusTarget strips leading STATUSMSG characters from target,
// returning them separately: "@#chan" yields ("@", "#chan").
func SplitStatusTarget(target, statusmsg string) (prefixes, rest string) {
	i := 0
	for i < len(target) && strings.IndexByte(statusmsg, target[i]) != -1 {
		i++
	}
	return target[:i], target[i:]
}
