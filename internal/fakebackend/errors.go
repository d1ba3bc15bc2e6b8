package fakebackend

import (
	"fmt"
	"strings"
)

// Error is a domain failure reported to clients in-band.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func errorf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Messages clients match on.
const (
	MsgUnauthenticated   = "Please log in."
	MsgInvalidLogin      = "Invalid user or password."
	MsgServiceExists     = "A service with this name already exists."
	MsgCharmNotLoaded    = "Charm not loaded."
	MsgNoMatch           = "No matching interfaces."
	MsgAmbiguous         = "Ambiguous relationship."
	MsgRelationExists    = "Relation already exists."
	MsgRelationNotExists = "Relationship does not exist"
)

func invalidServiceName(name string) error {
	return errorf("%q is an invalid service name.", name)
}

func serviceNotFound(name string) error {
	return errorf("Service %q does not exist.", name)
}

func unitNotFound(id string) error {
	return errorf("Unit %q does not exist.", id)
}

func charmNotFound(url string) error {
	return errorf("Charm %q not found.", url)
}

// UnitErrors lists one message per unit that could not be handled.
type UnitErrors []string

func (e UnitErrors) Error() string {
	return strings.Join(e, "; ")
}
