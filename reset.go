package coredump

import "strings"

// ResetReason identifies the cause of the device's last restart.
type ResetReason int

const (
	ResetUnknown ResetReason = iota
	ResetPowerOn
	ResetExternal
	ResetSoftware
	ResetPanic
	ResetIntWatchdog
	ResetTaskWatchdog
	ResetWatchdog
	ResetDeepSleep
	ResetBrownout
	ResetSDIO
)

var resetNames = map[ResetReason]string{
	ResetUnknown:      "unknown",
	ResetPowerOn:      "poweron",
	ResetExternal:     "external",
	ResetSoftware:     "software",
	ResetPanic:        "panic",
	ResetIntWatchdog:  "int_watchdog",
	ResetTaskWatchdog: "task_watchdog",
	ResetWatchdog:     "watchdog",
	ResetDeepSleep:    "deepsleep",
	ResetBrownout:     "brownout",
	ResetSDIO:         "sdio",
}

func (r ResetReason) String() string {
	if name, ok := resetNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseResetReason maps a reason name (as recorded by the capture path or
// handed in by the caller) back to a ResetReason. Unrecognized names map to
// ResetUnknown, which NeedsUpload treats as worth checking.
func ParseResetReason(s string) ResetReason {
	s = strings.ToLower(strings.TrimSpace(s))
	for reason, name := range resetNames {
		if name == s {
			return reason
		}
	}
	return ResetUnknown
}

// NeedsUpload reports whether the last restart cause indicates a crash image
// should be uploaded. Panics and watchdog resets produce crash images; an
// unclassifiable cause is treated as one too, since checking storage is
// cheaper than losing a dump.
func NeedsUpload(reason ResetReason) bool {
	if log != nil {
		log.Debugf("Reset reason: %s", reason)
	}
	switch reason {
	case ResetPanic, ResetIntWatchdog, ResetTaskWatchdog, ResetWatchdog, ResetUnknown:
		return true
	case ResetPowerOn, ResetSoftware, ResetDeepSleep:
		return false
	default:
		return false
	}
}
