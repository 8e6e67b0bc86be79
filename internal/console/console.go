// internal/console/console.go
package console

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/tamzrod/pos-hal/internal/claim"
	"github.com/tamzrod/pos-hal/internal/coin"
	"github.com/tamzrod/pos-hal/internal/scale"
)

// Device capabilities the console drives. A device gets the commands of
// every interface it implements.

type claimer interface {
	ID() string
	Claim(ctx context.Context, owner claim.Owner, timeout time.Duration) error
	Release(owner claim.Owner) error
}

type changer interface {
	DispenseChange(ctx context.Context, owner claim.Owner, amount int) error
	TryDispenseChange(ctx context.Context, owner claim.Owner, amount int) error
	Refill(ctx context.Context, owner claim.Owner, add [coin.HWSlots]int) error
	ReadCashCounts(owner claim.Owner, template string) (string, bool, error)
	CheckHealth(ctx context.Context, owner claim.Owner, level coin.HealthLevel) (string, error)
}

type weigher interface {
	Enable(ctx context.Context, owner claim.Owner) error
	Disable(owner claim.Owner) error
	ReadWeight(ctx context.Context, owner claim.Owner, timeout time.Duration) (scale.Weighing, error)
	SetUnitPrice(ctx context.Context, owner claim.Owner, price int64) error
	Tare(ctx context.Context, owner claim.Owner, weight int) error
	DisplayText(ctx context.Context, owner claim.Owner, text string) error
	CheckHealth(ctx context.Context, owner claim.Owner, level scale.HealthLevel) (string, error)
}

type filer interface {
	NumberOfFiles() int
	FreeData() int
	Find(name string) (handle, size int, err error)
	FindByIndex(index int) (string, error)
	Create(owner claim.Owner, name string, size int, errorDetection bool) (int, error)
	Delete(owner claim.Owner, name string) error
	Read(owner claim.Owner, handle, offset, count int) ([]byte, error)
	Write(owner claim.Owner, handle int, data []byte, offset int) error
	BeginTrans(owner claim.Owner) error
	CommitTrans(owner claim.Owner) error
	Rollback(owner claim.Owner) error
}

type command struct {
	usage string
	help  string
	args  int // minimum number of arguments
	run   func(ctx context.Context, args []string) (string, error)
}

// Console is the operator shell. Every command acts as one owner.
type Console struct {
	owner   claim.Owner
	devices map[string]claimer
	order   []string
	cmds    map[string]command
}

func New(owner claim.Owner) *Console {
	c := &Console{owner: owner, devices: make(map[string]claimer)}
	c.cmds = c.commands()
	return c
}

func (c *Console) Add(dev claimer) error {
	if _, dup := c.devices[dev.ID()]; dup {
		return fmt.Errorf("console: duplicate device %s", dev.ID())
	}
	c.devices[dev.ID()] = dev
	c.order = append(c.order, dev.ID())
	return nil
}

// Exec runs one command line and returns its output.
func (c *Console) Exec(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return c.run(ctx, fields[0], fields[1:])
}

func (c *Console) run(ctx context.Context, name string, args []string) (string, error) {
	cmd, ok := c.cmds[name]
	if !ok {
		return "", fmt.Errorf("unknown command %q", name)
	}
	if len(args) < cmd.args {
		return "", fmt.Errorf("usage: %s %s", name, cmd.usage)
	}
	return cmd.run(ctx, args)
}

// Shell wraps the commands in an interactive ishell.
func (c *Console) Shell(ctx context.Context) *ishell.Shell {
	sh := ishell.New()
	sh.SetPrompt("poshal> ")
	sh.Println("POS device console, acting as " + string(c.owner))

	names := make([]string, 0, len(c.cmds))
	for name := range c.cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	ids := func([]string) []string { return c.order }
	for _, name := range names {
		name, cmd := name, c.cmds[name]
		sh.AddCmd(&ishell.Cmd{
			Name:      name,
			Help:      cmd.usage + "  " + cmd.help,
			Completer: ids,
			Func: func(ic *ishell.Context) {
				out, err := c.run(ctx, name, ic.Args)
				if err != nil {
					ic.Err(err)
					return
				}
				if out != "" {
					ic.Println(out)
				}
			},
		})
	}
	return sh
}

func (c *Console) device(id string) (claimer, error) {
	d, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("no device %q", id)
	}
	return d, nil
}

func (c *Console) changer(id string) (changer, error) {
	d, err := c.device(id)
	if err != nil {
		return nil, err
	}
	ch, ok := d.(changer)
	if !ok {
		return nil, fmt.Errorf("%s is not a coin dispenser", id)
	}
	return ch, nil
}

func (c *Console) weigher(id string) (weigher, error) {
	d, err := c.device(id)
	if err != nil {
		return nil, err
	}
	w, ok := d.(weigher)
	if !ok {
		return nil, fmt.Errorf("%s is not a scale", id)
	}
	return w, nil
}

func (c *Console) filer(id string) (filer, error) {
	d, err := c.device(id)
	if err != nil {
		return nil, err
	}
	f, ok := d.(filer)
	if !ok {
		return nil, fmt.Errorf("%s holds no files", id)
	}
	return f, nil
}
