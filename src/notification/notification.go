package notification

import "log"

const maxMessageLen = 500

type level int

const (
	levelWarning level = iota
	levelError
)

// ShowWarning tells the operator something without blocking the caller.
func ShowWarning(title, message string) {
	message = truncate(message)
	log.Printf("WARNING %s: %s", title, message)
	go func() {
		if err := showMessageBox(title, message, levelWarning); err != nil {
			log.Printf("Failed to show notification: %v", err)
		}
	}()
}

// ShowBlockingError shows an error and returns once it is dismissed.
func ShowBlockingError(title, message string) {
	message = truncate(message)
	log.Printf("ERROR %s: %s", title, message)
	if err := showMessageBox(title, message, levelError); err != nil {
		log.Printf("Failed to show notification: %v", err)
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) > maxMessageLen {
		return string(r[:maxMessageLen]) + "..."
	}
	return s
}
