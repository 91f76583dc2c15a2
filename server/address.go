// Package server holds types shared by the protocol servers: recipient
// address handling and the base session with its logging helpers.
package server

import (
	"fmt"
	"strings"
)

// Address is a parsed recipient address. Parsing is deliberately lenient:
// the MTA in front of us has already enforced RFC syntax, and rejecting a
// recipient here would turn a cosmetic disagreement into lost mail. Only
// structurally hopeless input is refused.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
}

// ParseRecipient parses a recipient as received from the MTA. Angle
// brackets are stripped, the address is lowercased, and a missing domain
// is tolerated (the directory lookup will simply not match).
func ParseRecipient(input string) (Address, error) {
	input = strings.ToLower(strings.TrimSpace(input))

	// Postfix sends bare addresses, but be liberal about path notation.
	if strings.HasPrefix(input, "<") && strings.HasSuffix(input, ">") {
		input = input[1 : len(input)-1]
	}

	if input == "" {
		return Address{}, fmt.Errorf("recipient address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("recipient address contains whitespace: '%s'", input)
	}

	localPart := input
	domain := ""
	if at := strings.LastIndex(input, "@"); at >= 0 {
		localPart = input[:at]
		domain = input[at+1:]
	}
	if localPart == "" {
		return Address{}, fmt.Errorf("recipient address has empty local part: '%s'", input)
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

// BaseLocalPart returns the local part with the detail stripped, where
// delimiter separates the base local part from routing detail. An empty
// delimiter disables detail stripping.
func (a Address) BaseLocalPart(delimiter string) string {
	if delimiter == "" {
		return a.localPart
	}
	if i := strings.Index(a.localPart, delimiter); i >= 0 {
		return a.localPart[:i]
	}
	return a.localPart
}

// BaseAddress returns the address with the detail stripped from its local
// part.
func (a Address) BaseAddress(delimiter string) string {
	base := a.BaseLocalPart(delimiter)
	if a.domain == "" {
		return base
	}
	return base + "@" + a.domain
}
