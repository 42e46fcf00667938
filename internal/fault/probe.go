package fault

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
)

// countMarker prefixes the count probe reply, e.g. "A0050".
const countMarker = 'A'

// MaxRecords is the highest record index the firmware addresses.
const MaxRecords = 9999

// ProbeCount asks the device how many fault records it holds. Any failure
// or malformed reply yields 0, meaning "nothing to fetch".
//
// The device reports one more than the number of fetchable records; the
// reply is decremented by one. This looks like a sentinel slot on the
// device side and is kept as observed.
func ProbeCount(ctx context.Context, ch device.Channel, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = device.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := ch.Send(ctx, device.CmdCount)
	if err != nil || resp == nil || !resp.Success {
		log.Printf("[fault] count probe failed: %v", err)
		return 0
	}
	n, ok := ParseCount(resp.Response)
	if !ok {
		log.Printf("[fault] count probe: unexpected reply %q", resp.Response)
		return 0
	}
	log.Printf("[fault] device reports %d fault records", n)
	return n
}

// ParseCount parses a count probe reply. The marker must be followed by
// at least one digit; trailing non-digits are ignored. A count beyond
// MaxRecords is malformed.
func ParseCount(reply string) (int, bool) {
	reply = strings.TrimSpace(reply)
	if len(reply) < 2 || reply[0] != countMarker {
		return 0, false
	}
	end := 1
	for end < len(reply) && reply[end] >= '0' && reply[end] <= '9' {
		end++
	}
	if end == 1 {
		return 0, false
	}
	v, err := strconv.Atoi(reply[1:end])
	if err != nil || v > MaxRecords+1 {
		return 0, false
	}
	if v < 1 {
		return 0, true
	}
	return v - 1, true
}
