package model

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type IDType string

const (
	IDTypeOperation IDType = "op"
	IDTypeRequest   IDType = "req"
)

var validIDTypes = map[IDType]bool{
	IDTypeOperation: true,
	IDTypeRequest:   true,
}

var idRegex = regexp.MustCompile(`^(op|req)_[0-9A-HJKMNP-TV-Z]{26}$`)

// GenerateID returns a typed, time-ordered identifier. ULIDs sort by
// creation time, so ids produced later compare greater, which keeps
// FIFO-within-priority ordering cheap to verify.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}
	return fmt.Sprintf("%s_%s", idType, id.String()), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

// ParseIDTimestamp extracts the creation time embedded in the ULID part.
func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	raw := id[strings.Index(id, "_")+1:]
	parsed, err := ulid.ParseStrict(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ulid from ID %s: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}
