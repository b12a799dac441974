// Package codec implements the device's wire-level frame format: a small
// fixed set of command frames written to the device and the single
// notification shape it reports back.
package codec

import "math"

// Frame is an immutable byte sequence conforming to one of the device's
// frame shapes.
type Frame []byte

// Frame markers, per the device's Nordic UART-style byte protocol.
const (
	startCommand byte = 0xAA
	startFind    byte = 0xEE
	startBattery byte = 0xDD
	end          byte = 0xBB

	lenCommand = 0x07
	lenFind    = 0x02
)

// clamp restricts x to [0, 100] and rounds to the nearest integer.
// Non-numeric coercion is the caller's concern; this operates on float64
// so a caller can pass fractional inputs directly.
func clamp(x float64) byte {
	if math.IsNaN(x) {
		return 0
	}
	if x < 0 {
		x = 0
	}
	if x > 100 {
		x = 100
	}
	return byte(math.Round(x))
}

// EncodeCommand builds the shock/vibro/sound command frame. Each input is
// clamped into [0, 100] and rounded to the nearest integer before encoding.
func EncodeCommand(shock, vibro, sound float64) Frame {
	return Frame{startCommand, lenCommand, clamp(shock), clamp(vibro), clamp(sound), end}
}

// EncodeFind builds the find-beacon frame.
func EncodeFind() Frame {
	return Frame{startFind, lenFind, end}
}

// EncodeBatteryQuery builds the battery-query frame.
func EncodeBatteryQuery() Frame {
	return Frame{startBattery, 0xAA, end}
}

// IsCommandFrame reports whether f is a shock/vibro/sound command frame,
// the only frame kind subject to the double-send reliability policy.
func IsCommandFrame(f Frame) bool {
	return len(f) == 6 && f[0] == startCommand && f[1] == lenCommand
}

// BatteryReport is the decoded payload of a battery notification.
type BatteryReport struct {
	Percent byte
}

// ParseNotification recognizes a battery-report notification. It returns
// ok == false for any byte sequence that isn't one, rather than an error:
// an unrecognized notification is not a protocol violation.
func ParseNotification(b []byte) (report BatteryReport, ok bool) {
	if len(b) <= 5 {
		return BatteryReport{}, false
	}
	if b[0] != startCommand || b[1] != lenCommand {
		return BatteryReport{}, false
	}
	return BatteryReport{Percent: b[5]}, true
}
