package av

// Host is the platform call UI: a system call screen, a tray icon, a
// headless answering machine. The Manager reports lifecycle changes to it;
// the host reports user actions back through Manager.UserAnswered,
// UserDeclined, UserHungUp and the audio session callbacks.
//
// Methods are invoked from a single notifier goroutine in the order the
// Manager produced them, never while the Manager holds internal locks.
type Host interface {
	// ReportOutgoing announces a call the local user placed.
	ReportOutgoing(callID, remoteName string)

	// ReportIncoming asks the host to ring for an incoming call.
	ReportIncoming(callID, remoteName string)

	// ReportEnded tells the host the call is over and why.
	ReportEnded(callID string, reason EndReason)
}

// NopHost ignores every report. Audio sessions must then be activated by
// the caller of the Manager.
type NopHost struct{}

func (NopHost) ReportOutgoing(string, string)  {}
func (NopHost) ReportIncoming(string, string)  {}
func (NopHost) ReportEnded(string, EndReason) {}
