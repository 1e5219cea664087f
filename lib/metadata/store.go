package metadata

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("metadata")

// maxCASAttempts bounds the read-modify-write loop of Mutate
const maxCASAttempts = 100

var (
	// ErrNotFound is returned if no metadata exists for an extent or table
	ErrNotFound = errors.New("metadata not found")
	// ErrExists is returned if metadata is created twice
	ErrExists = errors.New("metadata already exists")
	// ErrConflict is returned if a mutation could not be applied after many concurrent updates
	ErrConflict = errors.New("too many concurrent metadata updates")
)

// key prefixes in the coordination store
const (
	tabletsPrefix = "tablets/"
	tablesPrefix  = "tables/"
	walsPrefix    = "wals/"
)

// IMetadataStore provides atomic single-extent access to the persisted tablet state.
// Tablets are addressed by table and end row, the previous end row is part of the value.
type IMetadataStore interface {
	// Get returns the metadata stored for the end row of extent
	Get(extent data.Extent) (*TabletMetadata, error)
	// Create writes the metadata of a new tablet, it fails with ErrExists if the end row is taken
	Create(meta *TabletMetadata) error
	// Mutate applies fn to the current metadata and writes the result atomically.
	// Concurrent changes cause fn to be called again with the new state.
	Mutate(extent data.Extent, fn func(m *TabletMetadata) error) (*TabletMetadata, error)
	// Delete removes the metadata of the tablet
	Delete(extent data.Extent) error
	// Tablets lists the metadata of all tablets of a table ordered by end row
	Tablets(table data.TableID) ([]*TabletMetadata, error)

	// TableConfig returns the configuration of a table
	TableConfig(table data.TableID) (*TableConfig, error)
	// PutTableConfig writes the configuration of a table
	PutTableConfig(cfg *TableConfig) error
	// MutateTableConfig atomically changes a table configuration
	MutateTableConfig(table data.TableID, fn func(cfg *TableConfig) error) (*TableConfig, error)
	// Tables lists the configuration of all tables
	Tables() ([]*TableConfig, error)

	// MarkWAL records the state of a write-ahead log of a server
	MarkWAL(server, log string, state WALState) error
	// WALs returns the state of all write-ahead logs of a server
	WALs(server string) (map[string]WALState, error)
	// RemoveWAL deletes the marker of a write-ahead log
	RemoveWAL(server, log string) error
}

type metadataStore struct {
	store store.IStore
}

// NewMetadataStore creates a metadata store on top of the coordination store
func NewMetadataStore(s store.IStore) IMetadataStore {
	return &metadataStore{store: s}
}

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

// TabletKey returns the store key of the tablet, end rows are hex encoded so
// the lexicographic order of keys matches the order of tablets in a table
func TabletKey(table data.TableID, endRow []byte) string {
	if endRow == nil {
		return tabletsPrefix + string(table) + ";~"
	}
	return tabletsPrefix + string(table) + ";" + hex.EncodeToString(endRow)
}

func tableKey(table data.TableID) string {
	return tablesPrefix + string(table)
}

func walKey(server, log string) string {
	return walsPrefix + server + "/" + log
}

// --------------------------------------------------------------------------
// Tablets
// --------------------------------------------------------------------------

func (s *metadataStore) Get(extent data.Extent) (*TabletMetadata, error) {
	m, _, err := s.load(TabletKey(extent.Table, extent.EndRow))
	return m, err
}

func (s *metadataStore) load(key string) (*TabletMetadata, []byte, error) {
	raw, ok, err := s.store.Get(key)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read %s", key)
	}
	if !ok {
		return nil, nil, errors.Wrapf(ErrNotFound, "tablet %s", key)
	}
	var m TabletMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, errors.Wrapf(err, "decode %s", key)
	}
	return &m, raw, nil
}

func (s *metadataStore) Create(meta *TabletMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	key := TabletKey(meta.Extent.Table, meta.Extent.EndRow)
	ok, err := s.store.SetEIfUnset(key, raw, 0)
	if err != nil {
		return errors.Wrapf(err, "create %s", key)
	}
	if !ok {
		return errors.Wrapf(ErrExists, "tablet %s", meta.Extent)
	}
	return nil
}

func (s *metadataStore) Mutate(extent data.Extent, fn func(m *TabletMetadata) error) (*TabletMetadata, error) {
	key := TabletKey(extent.Table, extent.EndRow)
	for i := 0; i < maxCASAttempts; i++ {
		m, old, err := s.load(key)
		if err != nil {
			return nil, err
		}
		if err := fn(m); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		ok, err := s.store.CompareAndSet(key, old, raw, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "update %s", key)
		}
		if ok {
			return m, nil
		}
		Logger.Debugf("concurrent update of %s, retrying", extent)
	}
	return nil, errors.Wrapf(ErrConflict, "tablet %s", extent)
}

func (s *metadataStore) Delete(extent data.Extent) error {
	return s.store.Delete(TabletKey(extent.Table, extent.EndRow))
}

func (s *metadataStore) Tablets(table data.TableID) ([]*TabletMetadata, error) {
	kvs, err := s.store.Scan(tabletsPrefix+string(table)+";", 0)
	if err != nil {
		return nil, err
	}
	res := make([]*TabletMetadata, 0, len(kvs))
	for _, kv := range kvs {
		var m TabletMetadata
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			return nil, errors.Wrapf(err, "decode %s", kv.Key)
		}
		res = append(res, &m)
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Tables
// --------------------------------------------------------------------------

func (s *metadataStore) TableConfig(table data.TableID) (*TableConfig, error) {
	cfg, _, err := s.loadTable(table)
	return cfg, err
}

func (s *metadataStore) loadTable(table data.TableID) (*TableConfig, []byte, error) {
	raw, ok, err := s.store.Get(tableKey(table))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errors.Wrapf(ErrNotFound, "table %s", table)
	}
	var cfg TableConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, errors.Wrapf(err, "decode table %s", table)
	}
	return &cfg, raw, nil
}

func (s *metadataStore) PutTableConfig(cfg *TableConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.store.Set(tableKey(cfg.Table), raw)
}

func (s *metadataStore) MutateTableConfig(table data.TableID, fn func(cfg *TableConfig) error) (*TableConfig, error) {
	for i := 0; i < maxCASAttempts; i++ {
		cfg, old, err := s.loadTable(table)
		if err != nil {
			return nil, err
		}
		if err := fn(cfg); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		ok, err := s.store.CompareAndSet(tableKey(table), old, raw, 0)
		if err != nil {
			return nil, err
		}
		if ok {
			return cfg, nil
		}
	}
	return nil, errors.Wrapf(ErrConflict, "table %s", table)
}

func (s *metadataStore) Tables() ([]*TableConfig, error) {
	kvs, err := s.store.Scan(tablesPrefix, 0)
	if err != nil {
		return nil, err
	}
	res := make([]*TableConfig, 0, len(kvs))
	for _, kv := range kvs {
		var cfg TableConfig
		if err := json.Unmarshal(kv.Value, &cfg); err != nil {
			return nil, errors.Wrapf(err, "decode %s", kv.Key)
		}
		res = append(res, &cfg)
	}
	return res, nil
}

// --------------------------------------------------------------------------
// WAL markers
// --------------------------------------------------------------------------

func (s *metadataStore) MarkWAL(server, log string, state WALState) error {
	return s.store.Set(walKey(server, log), []byte(state))
}

func (s *metadataStore) WALs(server string) (map[string]WALState, error) {
	prefix := walKey(server, "")
	kvs, err := s.store.Scan(prefix, 0)
	if err != nil {
		return nil, err
	}
	res := make(map[string]WALState, len(kvs))
	for _, kv := range kvs {
		res[strings.TrimPrefix(kv.Key, prefix)] = WALState(kv.Value)
	}
	return res, nil
}

func (s *metadataStore) RemoveWAL(server, log string) error {
	return s.store.Delete(walKey(server, log))
}
