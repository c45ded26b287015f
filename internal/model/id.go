package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type IDType string

const (
	IDTypeTask   IDType = "task"
	IDTypeRecord IDType = "res"
	IDTypeRun    IDType = "run"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:   true,
	IDTypeRecord: true,
	IDTypeRun:    true,
}

var idRegex = regexp.MustCompile(`^(task|res|run)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns <type>_<unix-epoch>_<hex8>. The embedded epoch makes
// record IDs sortable, which is how the latest record per (task, step) is
// resolved without a separate index.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hex.EncodeToString(randomBytes)), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
