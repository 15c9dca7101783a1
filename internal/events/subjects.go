// Package events defines the bus subject layout used between the hub
// core and the client gateway.
package events

// Subjects for UI-bound notification frames.
const (
	// SubjectUIBroadcast carries frames for every connected client.
	SubjectUIBroadcast = "ui.broadcast"

	// SubjectUIWildcard matches every UI-bound subject.
	SubjectUIWildcard = "ui.>"
)

// SubjectUIClient returns the subject carrying frames for one client.
func SubjectUIClient(clientID string) string {
	return "ui.client." + clientID
}
