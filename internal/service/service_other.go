//go:build !windows

package service

import "errors"

var errNotWindows = errors.New("Windows service manager is not available")

func installWindows(string) error { return errNotWindows }
func uninstallWindows() error { return errNotWindows }
func startWindows() error { return errNotWindows }
func stopWindows() error { return errNotWindows }
func statusWindows() (string, error) { return "", errNotWindows }

// IsWindowsService reports whether the process was started by the SCM.
func IsWindowsService() (bool, error) {
	return false, nil
}

// RunService is only available on Windows.
func RunService(func() error, func()) error {
	return errNotWindows
}
