package agent

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// key layout:
//
//	n:<generation>              -> gob(genRecord)
//	e:<generation>\x00<fp>      -> zstd(gob(CacheEntry))
//	a:                          -> gob(ActiveSet)
const (
	genPrefix    = "n:"
	entryPrefix  = "e:"
	activeKey    = "a:"
	keySeparator = "\x00"
)

type genRecord struct {
	Name      string
	Kind      Kind
	CreatedAt int64
}

type StoreOptions struct {
	// RAMEntries bounds the in-memory tier. Zero disables it.
	RAMEntries int
	// RAMMaxEntry skips the in-memory tier for bodies larger than this.
	RAMMaxEntry int64
}

// Store holds every generation. Entries live in leveldb; recently used ones
// are also kept in an LRU in front of it. Writes are last-writer-wins per key.
type Store struct {
	db   *leveldb.DB
	opts StoreOptions
	ram  *lru.Cache[string, CacheEntry]

	enc *zstd.Encoder
	dec *zstd.Decoder

	// writes hold genMu for reading; deleting a generation and moving the
	// active pair hold it for writing
	genMu  sync.RWMutex
	known  sync.Map // generation name -> struct{}
	active ActiveSet
}

// ErrNotServing is returned by PutServing for a generation outside the
// active pair.
var ErrNotServing = errors.New("generation is not serving")

// OpenStore opens (or creates) a leveldb-backed store at path.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newStore(db, opts)
}

// OpenMemStore opens a store on in-memory leveldb storage.
func OpenMemStore(opts StoreOptions) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(db, opts)
}

func newStore(db *leveldb.DB, opts StoreOptions) (*Store, error) {
	s := &Store{db: db, opts: opts}
	if a, ok, err := s.Active(); err != nil {
		_ = db.Close()
		return nil, err
	} else if ok {
		s.active = a
	}
	if opts.RAMEntries > 0 {
		ram, err := lru.New[string, CacheEntry](opts.RAMEntries)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.ram = ram
	}
	var err error
	if s.enc, err = zstd.NewWriter(nil); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.dec, err = zstd.NewReader(nil); err != nil {
		_ = s.enc.Close()
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

func entryKey(gen, fp string) string { return gen + keySeparator + fp }

// Get reads one entry from a generation. A missing entry is (zero, false, nil).
func (s *Store) Get(gen, fp string) (CacheEntry, bool, error) {
	if gen == "" {
		return CacheEntry{}, false, nil
	}
	k := entryKey(gen, fp)
	if s.ram != nil {
		if ent, ok := s.ram.Get(k); ok {
			return ent.Clone(), true, nil
		}
	}
	b, err := s.db.Get([]byte(entryPrefix+k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("read %s: %w", gen, err)
	}
	ent, err := s.decodeEntry(b)
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode %s: %w", gen, err)
	}
	s.remember(k, ent)
	return ent.Clone(), true, nil
}

// Match returns the first entry for fp among gens, in order, with the
// generation it was found in. Read errors are returned alongside a later hit.
func (s *Store) Match(fp string, gens ...string) (CacheEntry, string, bool, error) {
	var firstErr error
	for _, g := range gens {
		ent, ok, err := s.Get(g, fp)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return ent, g, true, firstErr
		}
	}
	return CacheEntry{}, "", false, firstErr
}

// Put stores a private copy of ent under gen, creating the generation record
// on first use.
func (s *Store) Put(gen string, kind Kind, fp string, ent CacheEntry) error {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.put(gen, kind, fp, ent)
}

// PutServing is Put restricted to the active pair. A write that started
// before a cutover and finishes after it gets ErrNotServing instead of
// bringing an evicted generation back.
func (s *Store) PutServing(gen string, kind Kind, fp string, ent CacheEntry) error {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	if !s.active.Contains(gen) {
		return fmt.Errorf("put %s: %w", gen, ErrNotServing)
	}
	return s.put(gen, kind, fp, ent)
}

func (s *Store) put(gen string, kind Kind, fp string, ent CacheEntry) error {
	if gen == "" {
		return fmt.Errorf("put: empty generation")
	}
	ent = ent.Clone()
	b, err := s.encodeEntry(ent)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if err := s.ensureGeneration(batch, gen, kind); err != nil {
		return err
	}
	k := entryKey(gen, fp)
	batch.Put([]byte(entryPrefix+k), b)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write %s: %w", gen, err)
	}
	s.known.Store(gen, struct{}{})
	s.remember(k, ent)
	return nil
}

// PutAll writes a whole set of entries in one batch, so either every entry
// lands in the generation or none does.
func (s *Store) PutAll(gen string, kind Kind, entries map[string]CacheEntry) error {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	batch := new(leveldb.Batch)
	if err := s.ensureGeneration(batch, gen, kind); err != nil {
		return err
	}
	for fp, ent := range entries {
		b, err := s.encodeEntry(ent)
		if err != nil {
			return err
		}
		batch.Put([]byte(entryPrefix+entryKey(gen, fp)), b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write %s: %w", gen, err)
	}
	s.known.Store(gen, struct{}{})
	return nil
}

func (s *Store) ensureGeneration(batch *leveldb.Batch, gen string, kind Kind) error {
	if _, ok := s.known.Load(gen); ok {
		return nil
	}
	ok, err := s.db.Has([]byte(genPrefix+gen), nil)
	if err != nil {
		return err
	}
	if !ok {
		b, err := encodeGob(genRecord{Name: gen, Kind: kind, CreatedAt: time.Now().Unix()})
		if err != nil {
			return err
		}
		batch.Put([]byte(genPrefix+gen), b)
	}
	return nil
}

// Purge deletes one entry.
func (s *Store) Purge(gen, fp string) error {
	k := entryKey(gen, fp)
	if s.ram != nil {
		s.ram.Remove(k)
	}
	return s.db.Delete([]byte(entryPrefix+k), nil)
}

// Generations enumerates every generation with its entry count, sorted by name.
func (s *Store) Generations() ([]Generation, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	var out []Generation
	for it.Next() {
		var rec genRecord
		if err := decodeGob(it.Value(), &rec); err != nil {
			rec = genRecord{Name: strings.TrimPrefix(string(it.Key()), genPrefix)}
		}
		out = append(out, Generation{Name: rec.Name, Kind: rec.Kind, CreatedAt: rec.CreatedAt})
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Entries = s.countEntries(out[i].Name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) countEntries(gen string) int {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+gen+keySeparator)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// DeleteGeneration removes a generation record and all of its entries.
func (s *Store) DeleteGeneration(gen string) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	prefix := []byte(entryPrefix + gen + keySeparator)
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(genPrefix + gen))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete generation %s: %w", gen, err)
	}
	s.known.Delete(gen)

	if s.ram != nil {
		ramPrefix := gen + keySeparator
		for _, k := range s.ram.Keys() {
			if strings.HasPrefix(k, ramPrefix) {
				s.ram.Remove(k)
			}
		}
	}
	return nil
}

// Active returns the persisted serving pair, if any.
func (s *Store) Active() (ActiveSet, bool, error) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ActiveSet{}, false, nil
	}
	if err != nil {
		return ActiveSet{}, false, err
	}
	var a ActiveSet
	if err := decodeGob(b, &a); err != nil {
		return ActiveSet{}, false, err
	}
	return a, true, nil
}

// SetActive persists the serving pair. From then on PutServing only accepts
// its two generations.
func (s *Store) SetActive(a ActiveSet) error {
	b, err := encodeGob(a)
	if err != nil {
		return err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	// the in-memory pair moves even if persisting fails, serving already has
	s.active = a
	return s.db.Put([]byte(activeKey), b, nil)
}

func (s *Store) remember(k string, ent CacheEntry) {
	if s.ram == nil {
		return
	}
	if s.opts.RAMMaxEntry > 0 && int64(len(ent.Body)) > s.opts.RAMMaxEntry {
		return
	}
	s.ram.Add(k, ent.Clone())
}

func (s *Store) encodeEntry(ent CacheEntry) ([]byte, error) {
	b, err := encodeGob(ent)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(b, nil), nil
}

func (s *Store) decodeEntry(b []byte) (CacheEntry, error) {
	raw, err := s.dec.DecodeAll(b, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	var ent CacheEntry
	err = decodeGob(raw, &ent)
	return ent, err
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
