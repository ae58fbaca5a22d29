// Package engineerr implements error taxonomy: the kind/message
// slot stored on a torrent, and the single funnel that sets local errors.
// Modeled on libtransmission's tr_torrentSetLocalError.
package engineerr

import (
	"fmt"
	"log"
)

// Kind mirrors the torrent error slot's kind field.
type Kind int

const (
	OK Kind = iota
	TrackerWarning
	TrackerError
	LocalError
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case TrackerWarning:
		return "tracker_warning"
	case TrackerError:
		return "tracker_error"
	case LocalError:
		return "local_error"
	default:
		return "unknown"
	}
}

// Slot is the torrent's error state: kind, message, and the tracker URL a
// tracker-scoped error is associated with (empty for local errors).
type Slot struct {
	Kind       Kind
	Message    string
	TrackerURL string
}

// Clear resets the slot to ok, discarding any tracker association.
func (s *Slot) Clear() {
	*s = Slot{Kind: OK}
}

// SetTrackerWarning records a recoverable tracker-scoped warning. The
// torrent keeps running; treats this as locally recovered.
func (s *Slot) SetTrackerWarning(trackerURL, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[tracker] warning for %s: %s", trackerURL, msg)
	s.Kind = TrackerWarning
	s.Message = msg
	s.TrackerURL = trackerURL
}

// SetTrackerError records a tracker-scoped error, distinct from a local
// error: the torrent is not stopped by this alone.
func (s *Slot) SetTrackerError(trackerURL, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[tracker] error for %s: %s", trackerURL, msg)
	s.Kind = TrackerError
	s.Message = msg
	s.TrackerURL = trackerURL
}

// ClearIfTrackerRemoved clears a tracker_warning/tracker_error slot whose
// TrackerURL no longer appears in the torrent's tracker list
// "cleared by ... clear_error_if_tracker_removed".
func (s *Slot) ClearIfTrackerRemoved(stillPresent func(url string) bool) {
	if s.Kind != TrackerWarning && s.Kind != TrackerError {
		return
	}
	if !stillPresent(s.TrackerURL) {
		s.Clear()
	}
}

// SetLocalError is the single funnel for local (filesystem/verification)
// errors described : it stores the kind, formats the message,
// clears any tracker association, and logs. running reports whether the
// torrent is currently running; the caller is responsible for honoring the
// returned stopNow flag (set is_stopping and post stop to the event thread).
func (s *Slot) SetLocalError(running bool, format string, args ...any) (stopNow bool) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[local-error] %s", msg)
	s.Kind = LocalError
	s.Message = msg
	s.TrackerURL = ""
	return running
}
