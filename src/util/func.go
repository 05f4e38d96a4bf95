package util

import (
	"runtime"
)

// GetFunctionName returns the fully qualified name of the caller,
// e.g. "match.(*Service).Register". Used for oops error namespaces.
func GetFunctionName() string {
	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return "unknown function"
	}

	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown function"
	}

	return fn.Name()
}

func DereferenceString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
