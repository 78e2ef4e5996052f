package usb

import (
	"errors"
	"runtime"
)

var (
	// ErrTransportUnavailable is returned when usbmuxd cannot be reached at all.
	ErrTransportUnavailable = errors.New("usbmuxd is not reachable")
	// ErrDeviceNotFound is returned when a device vanished between listing and connecting.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceDisconnected is the cancellation cause for jobs whose device went away.
	ErrDeviceDisconnected = errors.New("device disconnected")
	// ErrDeviceLocked is returned when the device must be unlocked first.
	ErrDeviceLocked = errors.New("device is locked")
	// ErrPairingDenied is returned when the user tapped "Don't Trust".
	ErrPairingDenied = errors.New("pairing denied by user")
	// ErrPairingPending is returned when the trust dialog was not answered in time.
	ErrPairingPending = errors.New("pairing pending user confirmation")
	// ErrInvalidPairingRecord is returned when the device rejected a stored pair record.
	ErrInvalidPairingRecord = errors.New("invalid pairing record")
	// ErrNoPairRecord is returned by pair record stores when nothing is stored for a device.
	ErrNoPairRecord = errors.New("no pair record")
	// ErrServiceUnavailable is returned when lockdownd refuses to start a service.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrFileNotFound is returned when a remote file does not exist.
	ErrFileNotFound = errors.New("file not found on device")
	// ErrTransferIntegrity is returned when the copied byte count differs from the expected size.
	ErrTransferIntegrity = errors.New("transfer integrity mismatch")
	// ErrCancelled is returned when the user cancelled an operation.
	ErrCancelled = errors.New("cancelled")
)

// IsRetryable reports whether an operation failing with err may succeed after
// re-discovery, unlocking or re-pairing, without operator intervention.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransportUnavailable),
		errors.Is(err, ErrPairingDenied),
		errors.Is(err, ErrCancelled):
		return false
	case errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrDeviceDisconnected),
		errors.Is(err, ErrDeviceLocked),
		errors.Is(err, ErrPairingPending),
		errors.Is(err, ErrInvalidPairingRecord),
		errors.Is(err, ErrServiceUnavailable):
		return true
	}
	return false
}

// Hint returns a user-actionable message for err, or an empty string.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrTransportUnavailable):
		switch runtime.GOOS {
		case "windows":
			return "install iTunes or Apple Mobile Device Support and make sure the service is running"
		case "darwin":
			return "usbmuxd ships with macOS; check that /var/run/usbmuxd exists"
		default:
			return "install usbmuxd (e.g. apt install usbmuxd) and make sure it is running"
		}
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrDeviceDisconnected):
		return "reconnect the device and try again"
	case errors.Is(err, ErrDeviceLocked):
		return "unlock the device and try again"
	case errors.Is(err, ErrPairingDenied):
		return "the device refused this computer; unplug, replug and tap \"Trust\""
	case errors.Is(err, ErrPairingPending):
		return "tap \"Trust\" on the device and enter the passcode"
	case errors.Is(err, ErrInvalidPairingRecord):
		return "the stored pairing was dropped; tap \"Trust\" on the device again"
	case errors.Is(err, ErrServiceUnavailable):
		return "reconnect the device and try again"
	case errors.Is(err, ErrFileNotFound):
		return "the file may only be stored in iCloud"
	}
	return ""
}
