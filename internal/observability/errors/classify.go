package errors

import (
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/quillworks/quill-jobs/internal/errors"
)

// Classify returns a normalized error class name suitable for tagging
// metrics/logs. Errors from the application taxonomy tag with their code
// (invalid_transition, infrastructure, ...); anything else unwraps to the
// innermost concrete type and converts its name to snake_case-ish.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	// The taxonomy code is a better signal than the wrapper's type name.
	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) {
		return string(appErr.Code)
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
