// Package enginetest provides an in-memory engine.Engine for tests. State
// survives Stop so restart and crash-recovery paths can be exercised by
// starting a second engine view over the same store.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/types"
)

// Fake is an in-memory engine. Zero value is not usable; call NewFake.
type Fake struct {
	mu sync.Mutex

	formatted bool
	plan      engine.FormatPlan
	selector  engine.ChunkSelector

	meta  *fakeMeta
	repl  *fakeRepl
	index *fakeIndex

	// Tiers maps device paths to the tier ProbeDeviceTier reports.
	// Unlisted paths probe as flash.
	Tiers map[string]types.DeviceTier

	// Capacity is what CapacityStats reports as total.
	Capacity uint64
}

// NewFake returns an empty in-memory engine.
func NewFake() *Fake {
	f := &Fake{
		Tiers:    make(map[string]types.DeviceTier),
		Capacity: 1 << 40,
	}
	f.meta = &fakeMeta{
		blocks:   make(map[engine.Cookie]metaBlock),
		handlers: make(map[string]engine.RecoverFunc),
	}
	f.repl = &fakeRepl{devs: make(map[uuid.UUID]*FakeDev)}
	f.index = &fakeIndex{tables: make(map[uuid.UUID]*FakeTable)}
	return f
}

// Start replays persisted state through the freshly registered handlers.
func (f *Fake) Start(ctx context.Context, params engine.StartParams) (bool, error) {
	f.mu.Lock()
	f.selector = params.DataSelector
	firstTime := !f.formatted
	f.mu.Unlock()

	// Handlers never survive a restart; the embedding service registers
	// its own on every boot.
	f.meta.resetHandlers()

	if params.RegisterMeta != nil {
		params.RegisterMeta(f.meta)
	}

	if firstTime {
		if params.OnRecoveryComplete != nil {
			params.OnRecoveryComplete()
		}
		return true, nil
	}

	if err := f.meta.replayRegistered(); err != nil {
		return false, err
	}
	if params.OnRecoveryComplete != nil {
		params.OnRecoveryComplete()
	}
	f.index.replayTables()
	return false, nil
}

func (f *Fake) Format(ctx context.Context, plan engine.FormatPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.formatted {
		return fmt.Errorf("already formatted")
	}
	f.formatted = true
	f.plan = plan
	return nil
}

// Plan returns the format plan recorded by Format.
func (f *Fake) Plan() engine.FormatPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plan
}

func (f *Fake) Meta() engine.MetaService   { return f.meta }
func (f *Fake) Repl() engine.ReplService   { return f.repl }
func (f *Fake) Index() engine.IndexService { return f.index }

func (f *Fake) ProbeDeviceTier(path string) types.DeviceTier {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tier, ok := f.Tiers[path]; ok {
		return tier
	}
	return types.TierNVMe
}

func (f *Fake) CapacityStats() engine.CapStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	var used uint64
	for _, dev := range f.repl.devs {
		used += dev.UsedBytes()
	}
	return engine.CapStats{TotalCapacity: f.Capacity, UsedCapacity: used}
}

func (f *Fake) Stop(ctx context.Context) error { return nil }

// --- metadata store ---

type metaBlock struct {
	kind string
	buf  []byte
}

type fakeMeta struct {
	mu       sync.Mutex
	blocks   map[engine.Cookie]metaBlock
	handlers map[string]engine.RecoverFunc
	order    []string

	failUpdate bool
}

func (m *fakeMeta) resetHandlers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[string]engine.RecoverFunc)
	m.order = nil
}

func (m *fakeMeta) RegisterHandler(kind string, cb engine.RecoverFunc, subtypeOf ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.handlers[kind]; !dup {
		m.order = append(m.order, kind)
	}
	m.handlers[kind] = cb
}

func (m *fakeMeta) Replay(kind string) error {
	m.mu.Lock()
	cb := m.handlers[kind]
	type entry struct {
		cookie engine.Cookie
		buf    []byte
	}
	var entries []entry
	for cookie, blk := range m.blocks {
		if blk.kind == kind {
			entries = append(entries, entry{cookie, append([]byte(nil), blk.buf...)})
		}
	}
	m.mu.Unlock()

	if cb == nil {
		return fmt.Errorf("no handler registered for meta kind %q", kind)
	}
	for _, e := range entries {
		cb(e.buf, e.cookie)
	}
	return nil
}

func (m *fakeMeta) replayRegistered() error {
	m.mu.Lock()
	kinds := append([]string(nil), m.order...)
	m.mu.Unlock()
	for _, kind := range kinds {
		if err := m.Replay(kind); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMeta) Create(kind string, buf []byte) (engine.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cookie := engine.Cookie(kind + "/" + uuid.NewString())
	m.blocks[cookie] = metaBlock{kind: kind, buf: append([]byte(nil), buf...)}
	return cookie, nil
}

func (m *fakeMeta) Update(cookie engine.Cookie, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate {
		m.failUpdate = false
		return fmt.Errorf("injected metadata update failure")
	}
	blk, ok := m.blocks[cookie]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrBlockNotFound, cookie)
	}
	blk.buf = append([]byte(nil), buf...)
	m.blocks[cookie] = blk
	return nil
}

func (m *fakeMeta) Remove(cookie engine.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[cookie]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrBlockNotFound, cookie)
	}
	delete(m.blocks, cookie)
	return nil
}

// --- replicated devices ---

// FakeDev is an in-memory replicated device.
type FakeDev struct {
	id uuid.UUID

	mu   sync.Mutex
	data map[uint64][]byte
	used uint64
}

func (d *FakeDev) ID() uuid.UUID { return d.id }

func (d *FakeDev) WriteAt(ctx context.Context, off uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[off] = append([]byte(nil), data...)
	d.used += uint64(len(data))
	return nil
}

func (d *FakeDev) ReadAt(off uint64, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.data[off]
	if !ok {
		return nil, fmt.Errorf("no data at offset %d", off)
	}
	if length < len(buf) {
		buf = buf[:length]
	}
	return append([]byte(nil), buf...), nil
}

func (d *FakeDev) UsedBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

type fakeRepl struct {
	mu   sync.Mutex
	devs map[uuid.UUID]*FakeDev

	// FailCreate makes the next CreateDev fail, for abort-path tests.
	FailCreate bool
}

func (r *fakeRepl) MetaKind() string { return "fake_repl_dev" }

func (r *fakeRepl) CreateDev(ctx context.Context, id uuid.UUID, members []uuid.UUID) (engine.ReplDev, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreate {
		r.FailCreate = false
		return nil, fmt.Errorf("injected device create failure")
	}
	if _, ok := r.devs[id]; ok {
		return nil, fmt.Errorf("dev %s already exists", id)
	}
	dev := &FakeDev{id: id, data: make(map[uint64][]byte)}
	r.devs[id] = dev
	return dev, nil
}

func (r *fakeRepl) GetDev(id uuid.UUID) (engine.ReplDev, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devs[id]
	if !ok {
		return nil, engine.ErrDevNotFound
	}
	return dev, nil
}

func (r *fakeRepl) RemoveDev(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devs[id]; !ok {
		return engine.ErrDevNotFound
	}
	delete(r.devs, id)
	return nil
}

func (r *fakeRepl) CapacityStats() engine.CapStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var used uint64
	for _, dev := range r.devs {
		used += dev.UsedBytes()
	}
	return engine.CapStats{UsedCapacity: used}
}

// FailNextCreate arms a one-shot device-creation failure.
func (f *Fake) FailNextCreate() {
	f.repl.mu.Lock()
	f.repl.FailCreate = true
	f.repl.mu.Unlock()
}

// FailNextUpdate arms a one-shot metadata-update failure.
func (f *Fake) FailNextUpdate() {
	f.meta.mu.Lock()
	f.meta.failUpdate = true
	f.meta.mu.Unlock()
}

// --- index tables ---

// FakeTable is an in-memory index table.
type FakeTable struct {
	id     uuid.UUID
	parent uuid.UUID

	mu   sync.Mutex
	kv   map[string][]byte
	gone bool
}

func (t *FakeTable) ID() uuid.UUID       { return t.id }
func (t *FakeTable) ParentID() uuid.UUID { return t.parent }

func (t *FakeTable) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return engine.ErrTableNotFound
	}
	t.kv[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *FakeTable) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return nil, engine.ErrTableNotFound
	}
	return t.kv[string(key)], nil
}

func (t *FakeTable) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return engine.ErrTableNotFound
	}
	delete(t.kv, string(key))
	return nil
}

func (t *FakeTable) Destroy(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gone = true
	t.kv = nil
	return nil
}

type fakeIndex struct {
	mu     sync.Mutex
	tables map[uuid.UUID]*FakeTable
	onRec  func(engine.IndexTable)
}

func (s *fakeIndex) NodePolicy() engine.NodePolicy {
	return engine.NodePolicy{
		NodeSize:      8192,
		LeafNodes:     engine.NodeTypeFixed,
		InteriorNodes: engine.NodeTypeFixed,
	}
}

func (s *fakeIndex) OnTableRecovered(cb func(engine.IndexTable)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRec = cb
}

func (s *fakeIndex) CreateTable(ctx context.Context, id, parent uuid.UUID, policy engine.NodePolicy) (engine.IndexTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &FakeTable{id: id, parent: parent, kv: make(map[string][]byte)}
	s.tables[id] = t
	return t, nil
}

func (s *fakeIndex) RemoveTable(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[id]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrTableNotFound, id)
	}
	delete(s.tables, id)
	return nil
}

func (s *fakeIndex) replayTables() {
	s.mu.Lock()
	cb := s.onRec
	var tables []*FakeTable
	for _, t := range s.tables {
		t.mu.Lock()
		gone := t.gone
		t.mu.Unlock()
		if !gone {
			tables = append(tables, t)
		}
	}
	s.mu.Unlock()

	if cb == nil {
		return
	}
	for _, t := range tables {
		cb(t)
	}
}
