//go:build !windows

package notification

// Other platforms have no native box; the message is already logged.
func showMessageBox(title, message string, lvl level) error {
	return nil
}
