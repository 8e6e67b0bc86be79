// internal/hardtotals/totals.go
package hardtotals

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/rs/zerolog"

	"github.com/tamzrod/pos-hal/internal/claim"
	"github.com/tamzrod/pos-hal/internal/fault"
)

// Layout overhead, counted against the device size.
const (
	sizeLen    = 4  // length word in front of every file
	NameLen    = 10 // maximum file name length
	eodLen     = 4  // end of directory mark
	handleWrap = 0x4000
)

// Extended error codes.
const (
	ExtNoRoom     = 201
	ExtValidation = 202
)

const (
	metaBucket     = "meta"
	metaNextHandle = "next_handle"
	metaNextSeq    = "next_seq"
)

// fileRecord is one stored file.
type fileRecord struct {
	Handle         int    `storm:"id"`
	Name           string `storm:"unique"`
	Seq            int    `storm:"index"`
	Size           int
	ErrorDetection bool
	Checksum       uint32
	Data           []byte
}

// entry is the in-memory directory line of one file.
type entry struct {
	handle         int
	name           string
	seq            int
	size           int
	errorDetection bool
}

// Totals is one hard totals device: a fixed size area holding named files.
// All methods are safe for concurrent use.
type Totals struct {
	id     string
	size   int
	single bool
	node   storm.Node
	arb    *claim.Arbiter
	log    zerolog.Logger

	mu         sync.Mutex
	dir        []*entry
	nextHandle int
	nextSeq    int

	trans      []change
	transOwner claim.Owner
	inTrans    bool
}

func (t *Totals) load() error {
	var recs []fileRecord
	if err := t.node.AllByIndex("Seq", &recs); err != nil && !errors.Is(err, storm.ErrNotFound) {
		return fmt.Errorf("hardtotals: %s: load directory: %w", t.id, err)
	}
	t.dir = t.dir[:0]
	for _, r := range recs {
		t.dir = append(t.dir, &entry{handle: r.Handle, name: r.Name, seq: r.Seq, size: r.Size, errorDetection: r.ErrorDetection})
	}

	if err := t.node.Get(metaBucket, metaNextHandle, &t.nextHandle); err != nil && !errors.Is(err, storm.ErrNotFound) {
		return fmt.Errorf("hardtotals: %s: load meta: %w", t.id, err)
	}
	if err := t.node.Get(metaBucket, metaNextSeq, &t.nextSeq); err != nil && !errors.Is(err, storm.ErrNotFound) {
		return fmt.Errorf("hardtotals: %s: load meta: %w", t.id, err)
	}
	t.log.Debug().Int("files", len(t.dir)).Msg("directory loaded")
	return nil
}

// ---- CAPACITY ----

// TotalsSize is the largest file that fits into an empty device.
func (t *Totals) TotalsSize() int {
	if t.single {
		return t.size - sizeLen
	}
	return t.size - sizeLen - NameLen - eodLen
}

func (t *Totals) overhead() int {
	if t.single {
		return 0
	}
	return sizeLen + NameLen
}

// realFree may become negative if the size was lowered in the config.
// Caller holds mu.
func (t *Totals) realFree() int {
	free := t.TotalsSize()
	for _, e := range t.dir {
		free -= e.size + t.overhead()
	}
	return free
}

// FreeData is the largest file that can still be created.
func (t *Totals) FreeData() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if free := t.realFree(); free > 0 {
		return free
	}
	return 0
}

func (t *Totals) NumberOfFiles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dir)
}

func (t *Totals) SingleFile() bool { return t.single }

func (t *Totals) ID() string { return t.id }

// ---- CLAIMS ----

// Claim takes the whole device. Other callers can still look files up but
// cannot change or read them.
func (t *Totals) Claim(ctx context.Context, owner claim.Owner, timeout time.Duration) error {
	return t.arb.Claim(ctx, claim.Device(), owner, timeout)
}

// Release gives the device and every file claimed by owner back.
func (t *Totals) Release(owner claim.Owner) error {
	if !t.arb.Holds(claim.Device(), owner) {
		return fault.New(fault.Illegal, "hardtotals: release", "%s not claimed by %s", t.id, owner)
	}
	t.arb.ReleaseAll(owner)
	return nil
}

// ClaimFile locks one file against other callers.
func (t *Totals) ClaimFile(ctx context.Context, owner claim.Owner, handle int, timeout time.Duration) error {
	if err := t.arb.Check(claim.Device(), owner); err != nil {
		return err
	}
	t.mu.Lock()
	_, err := t.byHandle(handle)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.arb.Claim(ctx, claim.File(handle), owner, timeout)
}

func (t *Totals) ReleaseFile(owner claim.Owner, handle int) error {
	return t.arb.Release(claim.File(handle), owner)
}

// access fails when the device or the file is owned by somebody else.
func (t *Totals) access(owner claim.Owner, handle int) error {
	if err := t.arb.Check(claim.Device(), owner); err != nil {
		return err
	}
	return t.arb.Check(claim.File(handle), owner)
}

// ---- DIRECTORY ----

// Caller holds mu.
func (t *Totals) byHandle(handle int) (*entry, error) {
	for _, e := range t.dir {
		if e.handle == handle {
			return e, nil
		}
	}
	return nil, fault.New(fault.Illegal, "hardtotals", "bad handle %d", handle)
}

// Caller holds mu.
func (t *Totals) byName(name string) (int, *entry) {
	for i, e := range t.dir {
		if e.name == name {
			return i, e
		}
	}
	return -1, nil
}

func checkName(name string) error {
	if name == "" || len(name) > NameLen {
		return fault.New(fault.Illegal, "hardtotals", "file name %q must have 1 to %d characters", name, NameLen)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return fault.New(fault.Illegal, "hardtotals", "file name %q not printable", name)
		}
	}
	return nil
}

// Create adds a zero filled file and returns its handle.
func (t *Totals) Create(owner claim.Owner, name string, size int, errorDetection bool) (int, error) {
	if err := t.arb.Check(claim.Device(), owner); err != nil {
		return 0, err
	}
	if err := checkName(name); err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fault.New(fault.Illegal, "hardtotals: create", "size %d must be positive", size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, e := t.byName(name); e != nil {
		return 0, fault.New(fault.Exists, "hardtotals: create", "file exists: %s", name)
	}
	if t.single && len(t.dir) > 0 {
		return 0, fault.New(fault.NoRoom, "hardtotals: create", "device holds a single file only")
	}
	if size > t.realFree() {
		return 0, &fault.Error{Kind: fault.NoRoom, Op: "hardtotals: create", Extended: ExtNoRoom,
			Msg: fmt.Sprintf("file too large for %s: %d", name, size)}
	}

	handle := t.nextHandle + 1
	for t.handleUsed(handle) {
		handle++
	}
	if handle > handleWrap {
		handle -= handleWrap
		for t.handleUsed(handle) {
			handle++
		}
	}

	data := make([]byte, size)
	rec := fileRecord{
		Handle:         handle,
		Name:           name,
		Seq:            t.nextSeq + 1,
		Size:           size,
		ErrorDetection: errorDetection,
		Checksum:       crc32.ChecksumIEEE(data),
		Data:           data,
	}

	tx, err := t.node.Begin(true)
	if err != nil {
		return 0, fault.Wrap(fault.DeviceFault, "hardtotals: create", err)
	}
	defer tx.Rollback()

	if err := tx.Save(&rec); err != nil {
		return 0, fault.Wrap(fault.DeviceFault, "hardtotals: create", err)
	}
	if err := tx.Set(metaBucket, metaNextHandle, handle); err != nil {
		return 0, fault.Wrap(fault.DeviceFault, "hardtotals: create", err)
	}
	if err := tx.Set(metaBucket, metaNextSeq, rec.Seq); err != nil {
		return 0, fault.Wrap(fault.DeviceFault, "hardtotals: create", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fault.Wrap(fault.DeviceFault, "hardtotals: create", err)
	}

	t.nextHandle, t.nextSeq = handle, rec.Seq
	t.dir = append(t.dir, &entry{handle: handle, name: name, seq: rec.Seq, size: size, errorDetection: errorDetection})
	t.log.Debug().Str("file", name).Int("handle", handle).Int("size", size).Msg("file created")
	return handle, nil
}

// Caller holds mu.
func (t *Totals) handleUsed(h int) bool {
	for _, e := range t.dir {
		if e.handle == h {
			return true
		}
	}
	return false
}

// Find returns handle and size of the named file.
func (t *Totals) Find(name string) (handle, size int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, e := t.byName(name); e != nil {
		return e.handle, e.size, nil
	}
	return 0, 0, fault.New(fault.NotExist, "hardtotals: find", "file not found: %s", name)
}

// FindByIndex returns the name of the index-th file in creation order.
func (t *Totals) FindByIndex(index int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.dir) {
		return "", fault.New(fault.Illegal, "hardtotals: find by index", "invalid index %d", index)
	}
	return t.dir[index].name, nil
}

// Rename gives the file behind handle a new name.
func (t *Totals) Rename(owner claim.Owner, handle int, name string) error {
	if err := t.access(owner, handle); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.byHandle(handle)
	if err != nil {
		return fault.New(fault.NotExist, "hardtotals: rename", "invalid file handle %d", handle)
	}
	if _, other := t.byName(name); other != nil && other.handle != handle {
		return fault.New(fault.Exists, "hardtotals: rename", "duplicate file name: %s", name)
	}
	if e.name == name {
		return nil
	}
	if err := t.node.UpdateField(&fileRecord{Handle: handle}, "Name", name); err != nil {
		return fault.Wrap(fault.DeviceFault, "hardtotals: rename", err)
	}
	e.name = name
	return nil
}

// Delete removes the named file. Pending transaction changes for it are
// dropped on commit.
func (t *Totals) Delete(owner claim.Owner, name string) error {
	t.mu.Lock()
	i, e := t.byName(name)
	t.mu.Unlock()
	if e == nil {
		return fault.New(fault.NotExist, "hardtotals: delete", "file does not exist: %s", name)
	}
	if err := t.access(owner, e.handle); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// re-resolve: the directory may have changed while unlocked
	if i, e = t.byName(name); e == nil {
		return fault.New(fault.NotExist, "hardtotals: delete", "file does not exist: %s", name)
	}
	if err := t.node.DeleteStruct(&fileRecord{Handle: e.handle}); err != nil {
		return fault.Wrap(fault.DeviceFault, "hardtotals: delete", err)
	}
	t.dir = append(t.dir[:i], t.dir[i+1:]...)
	t.log.Debug().Str("file", name).Msg("file deleted")
	return nil
}

// ---- DATA ----

// Caller holds mu.
func (t *Totals) record(handle int) (fileRecord, error) {
	var rec fileRecord
	if err := t.node.One("Handle", handle, &rec); err != nil {
		if errors.Is(err, storm.ErrNotFound) {
			return rec, fault.New(fault.Illegal, "hardtotals", "bad handle %d", handle)
		}
		return rec, fault.Wrap(fault.DeviceFault, "hardtotals", err)
	}
	return rec, nil
}

// Read returns count bytes at offset. Inside a transaction the pending
// changes of owner are visible.
func (t *Totals) Read(owner claim.Owner, handle, offset, count int) ([]byte, error) {
	if err := t.access(owner, handle); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.byHandle(handle)
	if err != nil {
		return nil, err
	}
	if offset < 0 || count < 0 || offset+count > e.size {
		return nil, fault.New(fault.Illegal, "hardtotals: read", "read out of file size")
	}
	rec, err := t.record(handle)
	if err != nil {
		return nil, err
	}

	if t.inTrans && t.transOwner == owner {
		for _, c := range t.trans {
			if c.handle == handle {
				c.apply(rec.Data)
			}
		}
	}
	return append([]byte(nil), rec.Data[offset:offset+count]...), nil
}

// Write stores data at offset, or queues it inside a transaction.
func (t *Totals) Write(owner claim.Owner, handle int, data []byte, offset int) error {
	return t.change(owner, handle, change{handle: handle, data: append([]byte(nil), data...), offset: offset}, "hardtotals: write")
}

// SetAll fills the whole file with value, or queues it inside a transaction.
func (t *Totals) SetAll(owner claim.Owner, handle int, value byte) error {
	return t.change(owner, handle, change{handle: handle, fill: true, value: value}, "hardtotals: set all")
}

func (t *Totals) change(owner claim.Owner, handle int, c change, op string) error {
	if err := t.access(owner, handle); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.byHandle(handle)
	if err != nil {
		return err
	}
	if !c.fill && (c.offset < 0 || c.offset+len(c.data) > e.size) {
		return fault.New(fault.Illegal, op, "write out of range")
	}

	if t.inTrans && t.transOwner == owner {
		t.trans = append(t.trans, c)
		return nil
	}

	rec, err := t.record(handle)
	if err != nil {
		return err
	}
	c.apply(rec.Data)
	rec.Checksum = crc32.ChecksumIEEE(rec.Data)
	if err := t.node.Save(&rec); err != nil {
		return fault.Wrap(fault.DeviceFault, op, err)
	}
	return nil
}

// ---- VALIDATION ----

// ValidateData checks the stored checksum of a file created with error
// detection. Files without error detection always pass.
func (t *Totals) ValidateData(owner claim.Owner, handle int) error {
	if err := t.access(owner, handle); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.byHandle(handle)
	if err != nil {
		return err
	}
	if !e.errorDetection {
		return nil
	}
	rec, err := t.record(handle)
	if err != nil {
		return err
	}
	if crc32.ChecksumIEEE(rec.Data) != rec.Checksum {
		return fault.Ext("hardtotals: validate", ExtValidation, "validation error in %s", e.name)
	}
	return nil
}

// RecalculateValidationData stores a fresh checksum for the current content.
func (t *Totals) RecalculateValidationData(owner claim.Owner, handle int) error {
	if err := t.access(owner, handle); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.byHandle(handle); err != nil {
		return err
	}
	rec, err := t.record(handle)
	if err != nil {
		return err
	}
	if err := t.node.UpdateField(&rec, "Checksum", crc32.ChecksumIEEE(rec.Data)); err != nil {
		return fault.Wrap(fault.DeviceFault, "hardtotals: recalculate", err)
	}
	return nil
}
