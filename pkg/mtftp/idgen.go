package mtftp

import "github.com/rs/xid"

// newSessionID mints a short opaque identifier used only to correlate log
// lines and metrics for a single session; it never appears on the wire.
func newSessionID() string {
	return xid.New().String()
}
