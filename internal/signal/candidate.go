package signal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"amscam/native/internal/domain"
)

// ErrMalformedCandidate is returned for candidate attributes that cannot be parsed.
var ErrMalformedCandidate = errors.New("malformed candidate")

const candidatePrefix = "candidate:"

// ParseCandidate parses an ICE candidate attribute of the form
//
//	candidate:<foundation> <component> <protocol> <priority> <ip> <port> typ <type> ...
//
// label is the m-line index the candidate belongs to.
func ParseCandidate(raw string, label int) (domain.Candidate, error) {
	parts := strings.Fields(raw)
	if len(parts) < 8 {
		return domain.Candidate{}, fmt.Errorf("%w: %d fields in %q", ErrMalformedCandidate, len(parts), raw)
	}
	if !strings.HasPrefix(parts[0], candidatePrefix) {
		return domain.Candidate{}, fmt.Errorf("%w: missing %q prefix", ErrMalformedCandidate, candidatePrefix)
	}
	if parts[6] != "typ" {
		return domain.Candidate{}, fmt.Errorf("%w: expected typ, got %q", ErrMalformedCandidate, parts[6])
	}

	component, err := strconv.Atoi(parts[1])
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("%w: component: %v", ErrMalformedCandidate, err)
	}
	priority, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("%w: priority: %v", ErrMalformedCandidate, err)
	}
	port, err := strconv.Atoi(parts[5])
	if err != nil || port < 0 || port > 65535 {
		return domain.Candidate{}, fmt.Errorf("%w: port %q", ErrMalformedCandidate, parts[5])
	}

	return domain.Candidate{
		Raw:        raw,
		Foundation: strings.TrimPrefix(parts[0], candidatePrefix),
		Component:  component,
		Protocol:   strings.ToLower(parts[2]),
		Priority:   uint32(priority),
		Address:    parts[4],
		Port:       port,
		Type:       parts[7],
		Label:      label,
	}, nil
}
