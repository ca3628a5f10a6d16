package core

import "strings"

// Environment selects how the CLI logs: human-readable console output while
// developing, JSON lines in production.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func (e Environment) String() string {
	return string(e)
}

// IsProduction reports whether logs should be machine-readable.
func (e Environment) IsProduction() bool {
	return e == Production
}

// ParseEnvironment accepts the full names and their usual short forms in any
// case. Anything else is Development.
func ParseEnvironment(v string) Environment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "production", "prod":
		return Production
	case "testing", "test":
		return Testing
	default:
		return Development
	}
}
