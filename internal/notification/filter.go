package notification

import (
	"fmt"
	"slices"
	"strings"
)

// AlertEvents lists the admin alert types a provider can subscribe to.
var AlertEvents = []EventType{EventSpotSubmitted, EventReportFiled, EventUserBanned, EventSystemError}

// EventFilter restricts a provider to some alert types. An empty filter
// accepts every admin alert.
type EventFilter []EventType

// ParseEventFilter reads a comma separated list such as "report_filed,user_banned".
func ParseEventFilter(s string) (EventFilter, error) {
	var f EventFilter
	for part := range strings.SplitSeq(s, ",") {
		t := EventType(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !slices.Contains(AlertEvents, t) {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		if !slices.Contains(f, t) {
			f = append(f, t)
		}
	}
	return f, nil
}

// Accepts reports whether event is an admin alert this filter lets through.
func (f EventFilter) Accepts(event Event) bool {
	if !event.IsAdminAlert() {
		return false
	}
	return len(f) == 0 || event.Type == "test" || slices.Contains(f, event.Type)
}
