package errbus

import (
	"time"

	"tirta.org/internal/obs"
)

// AttachLogListener registers the process-wide listener that surfaces
// permission errors: every classified failure is logged as structured JSON
// and counted, regardless of environment. In development the raw payload is
// included so the failure is loud; in production only the path and operation
// are recorded. Returns a detach function (used by tests).
func AttachLogListener(bus *Bus, development bool) func() {
	return bus.On(KindPermissionError, func(payload any) {
		pe, ok := payload.(*PermissionError)
		if !ok {
			return
		}
		obs.PermissionErrorObserved()
		entry := map[string]any{
			"ts":        time.Now().UTC().Format(time.RFC3339Nano),
			"level":     "error",
			"type":      "permission_error",
			"path":      pe.Path,
			"operation": string(pe.Operation),
		}
		if development {
			if pe.Payload != nil {
				entry["payload"] = pe.Payload
			}
			if pe.Err != nil {
				entry["cause"] = pe.Err.Error()
			}
		}
		obs.LogEvent(entry)
	})
}
