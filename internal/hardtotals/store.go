// internal/hardtotals/store.go
package hardtotals

import (
	"fmt"

	"github.com/asdine/storm/v3"
	"github.com/rs/zerolog"

	"github.com/tamzrod/pos-hal/internal/claim"
	cfg "github.com/tamzrod/pos-hal/internal/config"
)

// Store is the database file shared by every hard totals device. Each
// device lives in its own bucket.
type Store struct {
	db  *storm.DB
	log zerolog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hardtotals: open %s: %w", path, err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Device returns the totals device described by d.
func (s *Store) Device(d cfg.DeviceConfig, reg *claim.Registry) (*Totals, error) {
	if d.Kind != cfg.KindHardTotals {
		return nil, fmt.Errorf("hardtotals: device %s: wrong kind %s", d.ID, d.Kind)
	}
	size, single := cfg.DefaultHardTotals, false
	if h := d.HardTotals; h != nil {
		if h.Size > 0 {
			size = h.Size
		}
		single = h.SingleFile
	}

	node := s.db.From("hardtotals", d.ID)
	if err := node.Init(&fileRecord{}); err != nil {
		return nil, fmt.Errorf("hardtotals: device %s: %w", d.ID, err)
	}

	t := &Totals{
		id:     d.ID,
		size:   size,
		single: single,
		node:   node,
		arb:    reg.Arbiter(d.ID),
		log:    s.log.With().Str("device", d.ID).Logger(),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}
