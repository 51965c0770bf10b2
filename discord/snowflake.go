package discord

import (
	"strconv"
	"time"
)

// discordEpoch is the first second of 2015, in milliseconds.
const discordEpoch = 1420070400000

// SnowflakeTimestamp returns the creation time of a Snowflake ID relative to the creation of Discord.
func SnowflakeTimestamp(ID string) (t time.Time, err error) {
	i, err := strconv.ParseInt(ID, 10, 64)
	if err != nil {
		return
	}
	timestamp := (i >> 22) + discordEpoch
	t = time.Unix(0, timestamp*1000000)
	return
}

// MakeSnowflake builds a snowflake whose timestamp bits encode t. The
// low bits are left zero; the result is only suitable for ordering
// comparisons, never as a real message id.
func MakeSnowflake(t time.Time) string {
	ms := t.UnixNano() / 1000000
	return strconv.FormatInt((ms-discordEpoch)<<22, 10)
}
