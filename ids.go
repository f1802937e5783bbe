package telepathy

import "github.com/google/uuid"

// newCorrelationID stamps a Session with a fresh UUID so a host running
// several concurrent connections can tell their log lines apart.
func newCorrelationID() string {
	return uuid.NewString()
}
