// internal/coin/counts.go
package coin

import (
	"context"
	"strconv"
	"strings"

	"github.com/tamzrod/pos-hal/internal/claim"
	"github.com/tamzrod/pos-hal/internal/fault"
	"github.com/tamzrod/pos-hal/internal/status"
)

// DefaultCountsTemplate lists every denomination with a zero count.
const DefaultCountsTemplate = "1:0,2:0,5:0,10:0,20:0,50:0,100:0,200:0"

// healthTestAmount exercises every tube size in one dispense.
const healthTestAmount = 499

// ReadCashCounts fills template ("value:count,...") with the current
// counts. An empty template means all denominations. discrepancy is set
// when the listed counts do not add up to the total number of coins.
func (c *Dispenser) ReadCashCounts(owner claim.Owner, template string) (counts string, discrepancy bool, err error) {
	if err := c.ready(owner); err != nil {
		return "", false, err
	}
	st := c.rec.Snapshot()
	if st.Power != status.PowerOnline {
		return "", false, fault.New(fault.Offline, "coin: read counts", "dispenser not connected")
	}
	if st.Code == StatusJam {
		return "", false, fault.New(fault.DeviceFault, "coin: read counts", "dispenser not ready")
	}

	if template == "" {
		template = DefaultCountsTemplate
	}

	entries := strings.Split(template, ",")
	out := make([]string, 0, len(entries))
	listed, total := 0, 0

	for _, e := range entries {
		value, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(e, ":", 2)[0]))
		if err != nil {
			return "", false, fault.New(fault.Illegal, "coin: read counts", "bad cash count format %q", e)
		}
		i := denomIndex(value)
		if i < 0 {
			return "", false, fault.New(fault.Illegal, "coin: read counts", "invalid coin value %d", value)
		}
		n := 0
		if i < len(st.Counts) {
			n = st.Counts[i]
		}
		listed += n
		out = append(out, strconv.Itoa(value)+":"+strconv.Itoa(n))
	}
	for _, n := range st.Counts {
		total += n
	}

	return strings.Join(out, ","), listed != total, nil
}

// AdjustCashCounts is accepted and ignored: the dispenser counts its coins
// itself. The argument is still checked.
func (c *Dispenser) AdjustCashCounts(owner claim.Owner, counts string) error {
	if err := c.ready(owner); err != nil {
		return err
	}
	for _, e := range strings.Split(counts, ",") {
		parts := strings.SplitN(e, ":", 2)
		if len(parts) != 2 {
			return fault.New(fault.Illegal, "coin: adjust counts", "bad cash count format %q", e)
		}
		if _, err := strconv.Atoi(parts[0]); err != nil {
			return fault.New(fault.Illegal, "coin: adjust counts", "bad coin value %q", parts[0])
		}
		if _, err := strconv.Atoi(parts[1]); err != nil {
			return fault.New(fault.Illegal, "coin: adjust counts", "bad count %q", parts[1])
		}
	}
	return nil
}

// HealthLevel selects how deep CheckHealth goes.
type HealthLevel uint8

const (
	HealthInternal HealthLevel = iota
	HealthExternal
)

// CheckHealth reports a health text. The external check dispenses a test
// amount and describes the outcome.
func (c *Dispenser) CheckHealth(ctx context.Context, owner claim.Owner, level HealthLevel) (string, error) {
	if level == HealthInternal {
		if err := c.ready(owner); err != nil {
			return "Internal CheckHealth: ERROR.", nil
		}
		return "Internal CheckHealth: OK.", nil
	}

	result := "OK"
	if err := c.DispenseChange(ctx, owner, healthTestAmount); err != nil {
		switch {
		case fault.Is(err, fault.Illegal), fault.Is(err, fault.AlreadyClaimed), fault.Is(err, fault.Timeout):
			return "", err
		case c.rec.Snapshot().Power != status.PowerOnline:
			result = "Offline"
		case c.rec.Snapshot().Code == StatusJam:
			result = "Jam"
		default:
			result = "Missing Coins"
		}
	} else {
		switch c.rec.Snapshot().Code {
		case StatusNearEmpty:
			result = "Nearly Empty"
		case StatusEmpty:
			result = "Empty"
		}
	}
	return "External CheckHealth: " + result + ".", nil
}
