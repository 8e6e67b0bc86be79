// internal/console/commands.go
package console

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tamzrod/pos-hal/internal/coin"
	"github.com/tamzrod/pos-hal/internal/scale"
)

func (c *Console) commands() map[string]command {
	return map[string]command{
		// ---- any device ----
		"devices": {"", "list devices", 0, c.cmdDevices},
		"claim":   {"<id> [timeout_ms]", "claim a device", 1, c.cmdClaim},
		"release": {"<id>", "release a device", 1, c.cmdRelease},

		// ---- coin dispenser ----
		"dispense": {"<id> <amount> [nowait]", "dispense change", 2, c.cmdDispense},
		"refill":   {"<id> <n,n,...>", "add coins per hardware slot", 2, c.cmdRefill},
		"counts":   {"<id>", "read cash counts", 1, c.cmdCounts},

		// ---- scale ----
		"enable":  {"<id>", "enable a scale", 1, c.cmdEnable},
		"disable": {"<id>", "disable a scale", 1, c.cmdDisable},
		"weigh":   {"<id> [timeout_ms]", "read weight", 1, c.cmdWeigh},
		"price":   {"<id> <unit_price>", "set unit price", 2, c.cmdPrice},
		"tare":    {"<id> <grams>", "set tare", 2, c.cmdTare},
		"text":    {"<id> <text>", "show text on the scale", 2, c.cmdText},

		"health": {"<id> internal|external", "check health", 2, c.cmdHealth},

		// ---- hard totals ----
		"files":    {"<id>", "list files", 1, c.cmdFiles},
		"create":   {"<id> <name> <size>", "create a file", 3, c.cmdCreate},
		"delete":   {"<id> <name>", "delete a file", 2, c.cmdDelete},
		"read":     {"<id> <name> <offset> <count>", "read bytes (hex)", 4, c.cmdRead},
		"write":    {"<id> <name> <offset> <hex>", "write bytes", 4, c.cmdWrite},
		"begin":    {"<id>", "begin a transaction", 1, c.cmdBegin},
		"commit":   {"<id>", "commit the transaction", 1, c.cmdCommit},
		"rollback": {"<id>", "drop the transaction", 1, c.cmdRollback},
	}
}

func atoi(what, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", what, s)
	}
	return n, nil
}

func timeoutArg(args []string, i int) (time.Duration, error) {
	if len(args) <= i {
		return 0, nil
	}
	ms, err := atoi("timeout", args[i])
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ---- ANY DEVICE ----

func (c *Console) cmdDevices(ctx context.Context, args []string) (string, error) {
	var b strings.Builder
	for _, id := range c.order {
		kind := "device"
		switch c.devices[id].(type) {
		case changer:
			kind = "coin dispenser"
		case weigher:
			kind = "scale"
		case filer:
			kind = "hard totals"
		}
		fmt.Fprintf(&b, "%-12s %s\n", id, kind)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Console) cmdClaim(ctx context.Context, args []string) (string, error) {
	d, err := c.device(args[0])
	if err != nil {
		return "", err
	}
	timeout, err := timeoutArg(args, 1)
	if err != nil {
		return "", err
	}
	if err := d.Claim(ctx, c.owner, timeout); err != nil {
		return "", err
	}
	return "claimed " + args[0], nil
}

func (c *Console) cmdRelease(ctx context.Context, args []string) (string, error) {
	d, err := c.device(args[0])
	if err != nil {
		return "", err
	}
	if err := d.Release(c.owner); err != nil {
		return "", err
	}
	return "released " + args[0], nil
}

func (c *Console) cmdHealth(ctx context.Context, args []string) (string, error) {
	external := false
	switch args[1] {
	case "internal":
	case "external":
		external = true
	default:
		return "", fmt.Errorf("health level %q: want internal or external", args[1])
	}

	d, err := c.device(args[0])
	if err != nil {
		return "", err
	}
	switch dev := d.(type) {
	case changer:
		level := coin.HealthInternal
		if external {
			level = coin.HealthExternal
		}
		return dev.CheckHealth(ctx, c.owner, level)
	case weigher:
		level := scale.HealthInternal
		if external {
			level = scale.HealthExternal
		}
		return dev.CheckHealth(ctx, c.owner, level)
	}
	return "", fmt.Errorf("%s has no health check", args[0])
}

// ---- COIN DISPENSER ----

func (c *Console) cmdDispense(ctx context.Context, args []string) (string, error) {
	ch, err := c.changer(args[0])
	if err != nil {
		return "", err
	}
	amount, err := atoi("amount", args[1])
	if err != nil {
		return "", err
	}
	dispense := ch.DispenseChange
	if len(args) > 2 && args[2] == "nowait" {
		dispense = ch.TryDispenseChange
	}
	if err := dispense(ctx, c.owner, amount); err != nil {
		return "", err
	}
	return fmt.Sprintf("dispensed %d", amount), nil
}

func (c *Console) cmdRefill(ctx context.Context, args []string) (string, error) {
	ch, err := c.changer(args[0])
	if err != nil {
		return "", err
	}
	parts := strings.Split(args[1], ",")
	if len(parts) != coin.HWSlots {
		return "", fmt.Errorf("refill needs %d counts, got %d", coin.HWSlots, len(parts))
	}
	var add [coin.HWSlots]int
	for i, p := range parts {
		if add[i], err = atoi("count", p); err != nil {
			return "", err
		}
	}
	if err := ch.Refill(ctx, c.owner, add); err != nil {
		return "", err
	}
	return "refilled " + args[0], nil
}

func (c *Console) cmdCounts(ctx context.Context, args []string) (string, error) {
	ch, err := c.changer(args[0])
	if err != nil {
		return "", err
	}
	counts, discrepancy, err := ch.ReadCashCounts(c.owner, coin.DefaultCountsTemplate)
	if err != nil {
		return "", err
	}
	if discrepancy {
		counts += " (discrepancy)"
	}
	return counts, nil
}

// ---- SCALE ----

func (c *Console) cmdEnable(ctx context.Context, args []string) (string, error) {
	w, err := c.weigher(args[0])
	if err != nil {
		return "", err
	}
	if err := w.Enable(ctx, c.owner); err != nil {
		return "", err
	}
	return "enabled " + args[0], nil
}

func (c *Console) cmdDisable(ctx context.Context, args []string) (string, error) {
	w, err := c.weigher(args[0])
	if err != nil {
		return "", err
	}
	if err := w.Disable(c.owner); err != nil {
		return "", err
	}
	return "disabled " + args[0], nil
}

func (c *Console) cmdWeigh(ctx context.Context, args []string) (string, error) {
	w, err := c.weigher(args[0])
	if err != nil {
		return "", err
	}
	timeout, err := timeoutArg(args, 1)
	if err != nil {
		return "", err
	}
	r, err := w.ReadWeight(ctx, c.owner, timeout)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("weight %dg unit price %d price %d", r.Weight, r.UnitPrice, r.Price), nil
}

func (c *Console) cmdPrice(ctx context.Context, args []string) (string, error) {
	w, err := c.weigher(args[0])
	if err != nil {
		return "", err
	}
	price, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("unit price: %q is not a number", args[1])
	}
	if err := w.SetUnitPrice(ctx, c.owner, price); err != nil {
		return "", err
	}
	return fmt.Sprintf("unit price %d", price), nil
}

func (c *Console) cmdTare(ctx context.Context, args []string) (string, error) {
	w, err := c.weigher(args[0])
	if err != nil {
		return "", err
	}
	grams, err := atoi("tare", args[1])
	if err != nil {
		return "", err
	}
	if err := w.Tare(ctx, c.owner, grams); err != nil {
		return "", err
	}
	return fmt.Sprintf("tare %dg", grams), nil
}

func (c *Console) cmdText(ctx context.Context, args []string) (string, error) {
	w, err := c.weigher(args[0])
	if err != nil {
		return "", err
	}
	text := strings.Join(args[1:], " ")
	if err := w.DisplayText(ctx, c.owner, text); err != nil {
		return "", err
	}
	return fmt.Sprintf("text %q", text), nil
}

// ---- HARD TOTALS ----

func (c *Console) cmdFiles(ctx context.Context, args []string) (string, error) {
	f, err := c.filer(args[0])
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 0; i < f.NumberOfFiles(); i++ {
		name, err := f.FindByIndex(i)
		if err != nil {
			return "", err
		}
		h, size, err := f.Find(name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%-10s handle=%d size=%d\n", name, h, size)
	}
	fmt.Fprintf(&b, "free %d", f.FreeData())
	return b.String(), nil
}

func (c *Console) cmdCreate(ctx context.Context, args []string) (string, error) {
	f, err := c.filer(args[0])
	if err != nil {
		return "", err
	}
	size, err := atoi("size", args[2])
	if err != nil {
		return "", err
	}
	h, err := f.Create(c.owner, args[1], size, true)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("created %s handle=%d", args[1], h), nil
}

func (c *Console) cmdDelete(ctx context.Context, args []string) (string, error) {
	f, err := c.filer(args[0])
	if err != nil {
		return "", err
	}
	if err := f.Delete(c.owner, args[1]); err != nil {
		return "", err
	}
	return "deleted " + args[1], nil
}

func (c *Console) cmdRead(ctx context.Context, args []string) (string, error) {
	f, err := c.filer(args[0])
	if err != nil {
		return "", err
	}
	h, _, err := f.Find(args[1])
	if err != nil {
		return "", err
	}
	offset, err := atoi("offset", args[2])
	if err != nil {
		return "", err
	}
	count, err := atoi("count", args[3])
	if err != nil {
		return "", err
	}
	data, err := f.Read(c.owner, h, offset, count)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

func (c *Console) cmdWrite(ctx context.Context, args []string) (string, error) {
	f, err := c.filer(args[0])
	if err != nil {
		return "", err
	}
	h, _, err := f.Find(args[1])
	if err != nil {
		return "", err
	}
	offset, err := atoi("offset", args[2])
	if err != nil {
		return "", err
	}
	data, err := hex.DecodeString(args[3])
	if err != nil {
		return "", fmt.Errorf("data: %w", err)
	}
	if err := f.Write(c.owner, h, data, offset); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes", len(data)), nil
}

func (c *Console) cmdBegin(ctx context.Context, args []string) (string, error) {
	f, err := c.filer(args[0])
	if err != nil {
		return "", err
	}
	if err := f.BeginTrans(c.owner); err != nil {
		return "", err
	}
	return "transaction open", nil
}

func (c *Console) cmdCommit(ctx context.Context, args []string) (string, error) {
	f, err := c.filer(args[0])
	if err != nil {
		return "", err
	}
	if err := f.CommitTrans(c.owner); err != nil {
		return "", err
	}
	return "committed", nil
}

func (c *Console) cmdRollback(ctx context.Context, args []string) (string, error) {
	f, err := c.filer(args[0])
	if err != nil {
		return "", err
	}
	if err := f.Rollback(c.owner); err != nil {
		return "", err
	}
	return "rolled back", nil
}
