package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.chatify/sessions, so the
// charset is kept filesystem-safe.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use lowercase letters, digits, '-' or '_' (max 64 chars)", name)
	}
	return nil
}
