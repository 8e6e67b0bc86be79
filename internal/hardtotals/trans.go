// internal/hardtotals/trans.go
package hardtotals

import (
	"errors"
	"hash/crc32"

	"github.com/asdine/storm/v3"

	"github.com/tamzrod/pos-hal/internal/claim"
	"github.com/tamzrod/pos-hal/internal/fault"
)

// change is one queued Write or SetAll.
type change struct {
	handle int
	offset int
	data   []byte
	fill   bool
	value  byte
}

func (c change) apply(buf []byte) {
	if c.fill {
		for i := range buf {
			buf[i] = c.value
		}
		return
	}
	copy(buf[c.offset:], c.data)
}

// BeginTrans starts queueing Write and SetAll calls of owner. Only one
// transaction can be open per device.
func (t *Totals) BeginTrans(owner claim.Owner) error {
	if err := t.arb.Check(claim.Device(), owner); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inTrans {
		if t.transOwner == owner {
			return fault.New(fault.Illegal, "hardtotals: begin", "transaction already open")
		}
		return fault.New(fault.Busy, "hardtotals: begin", "transaction open by %s", t.transOwner)
	}
	t.inTrans, t.transOwner, t.trans = true, owner, nil
	return nil
}

// CommitTrans applies the queued changes in order inside one database
// transaction. Changes for files deleted in the meantime are skipped.
// If the database write fails the transaction stays open with its changes.
func (t *Totals) CommitTrans(owner claim.Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ownsTrans(owner, "hardtotals: commit"); err != nil {
		return err
	}
	changes := t.trans

	if len(changes) == 0 {
		t.inTrans, t.transOwner, t.trans = false, "", nil
		return nil
	}

	tx, err := t.node.Begin(true)
	if err != nil {
		return fault.Wrap(fault.DeviceFault, "hardtotals: commit", err)
	}
	defer tx.Rollback()

	touched := make(map[int]*fileRecord)
	for _, c := range changes {
		rec, ok := touched[c.handle]
		if !ok {
			var r fileRecord
			if err := tx.One("Handle", c.handle, &r); err != nil {
				if errors.Is(err, storm.ErrNotFound) {
					touched[c.handle] = nil
					continue
				}
				return fault.Wrap(fault.DeviceFault, "hardtotals: commit", err)
			}
			rec = &r
			touched[c.handle] = rec
		}
		if rec == nil {
			continue
		}
		c.apply(rec.Data)
	}

	for _, rec := range touched {
		if rec == nil {
			continue
		}
		rec.Checksum = crc32.ChecksumIEEE(rec.Data)
		if err := tx.Save(rec); err != nil {
			return fault.Wrap(fault.DeviceFault, "hardtotals: commit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.DeviceFault, "hardtotals: commit", err)
	}
	t.inTrans, t.transOwner, t.trans = false, "", nil
	t.log.Debug().Int("changes", len(changes)).Msg("transaction committed")
	return nil
}

// Rollback drops the queued changes.
func (t *Totals) Rollback(owner claim.Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ownsTrans(owner, "hardtotals: rollback"); err != nil {
		return err
	}
	t.inTrans, t.transOwner, t.trans = false, "", nil
	return nil
}

// InTransaction reports whether owner has a transaction open.
func (t *Totals) InTransaction(owner claim.Owner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inTrans && t.transOwner == owner
}

// Caller holds mu.
func (t *Totals) ownsTrans(owner claim.Owner, op string) error {
	if !t.inTrans || t.transOwner != owner {
		return fault.New(fault.Illegal, op, "no transaction open")
	}
	return nil
}
