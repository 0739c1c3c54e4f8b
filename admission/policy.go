package admission

import "armada/registry"

// Policy selects how connection-establishment failures are handled.
type Policy int

const (
	// PolicyFail propagates the first connection error to the caller.
	PolicyFail Policy = iota
	// PolicyIgnore swallows the error; the server is simply marked failed.
	PolicyIgnore
	// PolicyWarn logs the error and otherwise behaves like PolicyIgnore.
	PolicyWarn
	// PolicyCustom consults the configured Handler.
	PolicyCustom
)

// ParsePolicy maps a config string to a policy.
func ParsePolicy(value string) (Policy, bool) {
	switch value {
	case "", "fail":
		return PolicyFail, true
	case "ignore":
		return PolicyIgnore, true
	case "warn":
		return PolicyWarn, true
	case "custom":
		return PolicyCustom, true
	default:
		return PolicyFail, false
	}
}

// Verdict is a custom handler's answer.
type Verdict int

const (
	// VerdictRaise propagates the error.
	VerdictRaise Verdict = iota
	// VerdictIgnore swallows the error.
	VerdictIgnore
	// VerdictRetry re-attempts the connection once. The retry budget is one
	// per acquisition; a handler that answers retry again after the
	// re-attempt fails is treated as raise.
	VerdictRetry
)

// Handler decides the fate of a failed connection attempt.
type Handler func(server *registry.Server, err error) Verdict
