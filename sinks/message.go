package sinks

import "fmt"

// PresenceMessage describes how many of the target class are in view
func PresenceMessage(className string, count int) string {
	switch {
	case count == 0:
		return fmt.Sprintf("No %v detected in view", className)
	case count == 1:
		return fmt.Sprintf("One %v detected", className)
	default:
		return fmt.Sprintf("Multiple %v detected: %d", className, count)
	}
}

// LostMessage is logged when the target class leaves the view
func LostMessage(className string) string {
	return fmt.Sprintf("No %v in view any more", className)
}
