// Package invocation builds and parses the idempotency keys that guard
// MoneyWave runs and per-participant settlement units.
package invocation

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/pmx/economy-engine/internal/model"
)

// Supported key kinds.
const (
	KindWave1      = "WAVE1"
	KindWave2      = "WAVE2"
	KindWave3      = "WAVE3"
	KindSettlement = "SETTLE"
	KindRefund     = "REFUND"
)

const dateLayout = "20060102"

// datedRegex matches: {WAVE1|WAVE2}-{YYYYMMDD}
// Example: WAVE1-20260301
var datedRegex = regexp.MustCompile(`^(WAVE1|WAVE2)-(\d{8})$`)

// requestRegex matches: WAVE3-{requestId}
var requestRegex = regexp.MustCompile(`^WAVE3-(.+)$`)

// participantRegex matches: {SETTLE|REFUND}-{gameId}/{userId}. Ids never
// contain "/", so the split is unambiguous.
var participantRegex = regexp.MustCompile(`^(SETTLE|REFUND)-([^/]+)/([^/]+)$`)

var ErrInvalidKey = errors.New("invocation: invalid key format")

// Key is a parsed invocation key.
type Key struct {
	Raw       string          `json:"raw"`
	Kind      string          `json:"kind"`
	Date      time.Time       `json:"date,omitempty"`
	RequestID model.RequestID `json:"request_id,omitempty"`
	GameID    model.GameID    `json:"game_id,omitempty"`
	UserID    model.UserID    `json:"user_id,omitempty"`
}

// Wave1 is the key for the daily prize pool of date's UTC day.
func Wave1(date time.Time) string {
	return KindWave1 + "-" + model.DayKey(date).Format(dateLayout)
}

// Wave2 is the key for the idle-balance redistribution of date's UTC day.
func Wave2(date time.Time) string {
	return KindWave2 + "-" + model.DayKey(date).Format(dateLayout)
}

// Wave3 is the key for a sponsor request's distribution.
func Wave3(id model.RequestID) string {
	return KindWave3 + "-" + string(id)
}

// Settlement is the key for one participant's settlement unit.
func Settlement(game model.GameID, user model.UserID) string {
	return KindSettlement + "-" + string(game) + model.IDSeparator + string(user)
}

// Refund is the key for one participant's cancellation refund.
func Refund(game model.GameID, user model.UserID) string {
	return KindRefund + "-" + string(game) + model.IDSeparator + string(user)
}

// Parse parses and validates an invocation key.
func Parse(raw string) (*Key, error) {
	if m := datedRegex.FindStringSubmatch(raw); m != nil {
		date, err := time.Parse(dateLayout, m[2])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidKey, m[2])
		}
		return &Key{Raw: raw, Kind: m[1], Date: date}, nil
	}
	if m := requestRegex.FindStringSubmatch(raw); m != nil {
		return &Key{Raw: raw, Kind: KindWave3, RequestID: model.RequestID(m[1])}, nil
	}
	if m := participantRegex.FindStringSubmatch(raw); m != nil {
		return &Key{Raw: raw, Kind: m[1], GameID: model.GameID(m[2]), UserID: model.UserID(m[3])}, nil
	}
	return nil, fmt.Errorf("%w: %q (expected WAVE1-YYYYMMDD, WAVE2-YYYYMMDD, WAVE3-{id}, SETTLE-{game}/{user} or REFUND-{game}/{user})",
		ErrInvalidKey, raw)
}
