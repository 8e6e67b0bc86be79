// internal/sim/coin.go
package sim

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// CoinSlots is the number of tubes the simulated dispenser has, ordered by
// coin size: 1, 2, 2, 10, 5, 20, 20, 100, 50, 200, 200.
const CoinSlots = 11

const coinSlotMax = 999

// Coin simulates a coin dispenser on a TCP port.
//
//	R\n              -> OK n n n n n n n n n n n\n
//	A a b ... k\n    add coins, same reply
//	O a b ... k\n    release one coin per flagged slot, same reply
//
// A jammed dispenser, a malformed request or an O on an empty slot is
// answered with KO\n.
type Coin struct {
	*server

	mu     sync.Mutex
	counts [CoinSlots]int
	jam    bool
	silent bool
	frames []string
}

// NewCoin listens on addr ("" picks a free loopback port). Call Serve to
// start accepting.
func NewCoin(addr string, counts [CoinSlots]int, log zerolog.Logger) (*Coin, error) {
	c := &Coin{counts: counts}
	s, err := listen(addr, log.With().Str("sim", "coin").Logger(), c.handle)
	if err != nil {
		return nil, err
	}
	c.server = s
	return c, nil
}

// Start runs Serve in the background until ctx is done.
func (c *Coin) Start(ctx context.Context) {
	go func() { _ = c.Serve(ctx) }()
}

func (c *Coin) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		reply, ok := c.apply(strings.TrimRight(line, "\r\n"))
		if !ok {
			continue
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

// apply executes one request. ok is false when the simulator plays dead.
func (c *Coin) apply(req string) (reply string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames = record(c.frames, req)
	if c.silent {
		return "", false
	}
	if c.jam {
		return "KO\n", true
	}

	fields := strings.Fields(req)
	if len(fields) == 0 {
		return "KO\n", true
	}

	switch fields[0] {
	case "R":
		if len(fields) != 1 {
			return "KO\n", true
		}
	case "A", "O":
		vals, err := parseSlots(fields[1:])
		if err != nil {
			return "KO\n", true
		}
		next := c.counts
		for i, v := range vals {
			if fields[0] == "A" {
				next[i] += v
				if next[i] > coinSlotMax {
					next[i] = coinSlotMax
				}
				continue
			}
			if v > 1 || next[i] < v {
				return "KO\n", true
			}
			next[i] -= v
		}
		c.counts = next
	default:
		return "KO\n", true
	}

	var b strings.Builder
	b.WriteString("OK")
	for _, n := range c.counts {
		fmt.Fprintf(&b, " %d", n)
	}
	b.WriteByte('\n')
	return b.String(), true
}

func parseSlots(fields []string) ([CoinSlots]int, error) {
	var out [CoinSlots]int
	if len(fields) != CoinSlots {
		return out, fmt.Errorf("want %d values, got %d", CoinSlots, len(fields))
	}
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return out, fmt.Errorf("bad value %q", f)
		}
		out[i] = v
	}
	return out, nil
}

// SetJam makes every following request fail with KO.
func (c *Coin) SetJam(on bool) {
	c.mu.Lock()
	c.jam = on
	c.mu.Unlock()
}

// SetSilent makes the simulator swallow requests without answering.
func (c *Coin) SetSilent(on bool) {
	c.mu.Lock()
	c.silent = on
	c.mu.Unlock()
}

// SetCounts replaces all tube counts.
func (c *Coin) SetCounts(counts [CoinSlots]int) {
	c.mu.Lock()
	c.counts = counts
	c.mu.Unlock()
}

// Counts returns the current tube counts.
func (c *Coin) Counts() [CoinSlots]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// Frames returns the most recent requests, without line endings.
func (c *Coin) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

// Commands returns the received requests that start with verb.
func (c *Coin) Commands(verb string) []string {
	var out []string
	for _, f := range c.Frames() {
		if strings.HasPrefix(f, verb) {
			out = append(out, f)
		}
	}
	return out
}
