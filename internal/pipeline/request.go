package pipeline

import (
	"fmt"
	"strings"
)

// MintRequest is a validated submission. The zero value is not valid; build
// one with NewMintRequest.
type MintRequest struct {
	name        string
	description string
}

func NewMintRequest(name, description string) (MintRequest, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)

	var missing []string
	if name == "" {
		missing = append(missing, "name")
	}
	if description == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return MintRequest{}, fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, " and "))
	}
	return MintRequest{name: name, description: description}, nil
}

func (r MintRequest) Name() string        { return r.name }
func (r MintRequest) Description() string { return r.description }
