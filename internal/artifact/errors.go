package artifact

import "errors"

// Error classes for fatal run failures. Concrete errors wrap one of
// these sentinels so callers can classify failures with errors.Is
// without inspecting message text.
var (
	// ErrNetwork covers metadata fetch and artifact download failures
	// (connectivity, timeout, unexpected HTTP status).
	ErrNetwork = errors.New("network error")

	// ErrStorage covers persisted-state read/write failures and lock
	// contention on the state directory.
	ErrStorage = errors.New("storage error")

	// ErrInstall covers platform installer invocation failures and
	// conflict-wait timeouts.
	ErrInstall = errors.New("install error")

	// ErrPrerequisite covers missing platform prerequisites that could
	// not be installed before the run.
	ErrPrerequisite = errors.New("prerequisite error")
)

// Classify returns a short label for the error's taxonomy class, for
// logs and metrics. Unclassified errors report as "internal".
func Classify(err error) string {
	switch {
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrInstall):
		return "install"
	case errors.Is(err, ErrPrerequisite):
		return "prerequisite"
	default:
		return "internal"
	}
}
