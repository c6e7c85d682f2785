package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Minute

	authorizedKeyPrefix = "authorized:"
	revokedKeyPrefix    = "revoked:"
)

// dialRecord tracks per-endpoint dial outcomes for exponential backoff
// scheduling, independent of authorization.
type dialRecord struct {
	Fails    int       `json:"fails"`
	LastTry  time.Time `json:"lastTry"`
}

// ConnectionManager is the reference NodeConnManager: an authorized-peer
// table and a revoked-certificate-serial set, both persisted to LevelDB, plus
// in-memory exponential-backoff dial scheduling. It satisfies both the
// RevocationChecker consumed by the Cert Verifier and the NodeConnManager
// consumed by the Host.
type ConnectionManager struct {
	mu sync.RWMutex

	db *leveldb.DB

	authorized map[string]Endpoint
	revoked    map[string]struct{}
	dials      map[string]*dialRecord

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewConnectionManager opens (or creates) a connection manager backed by
// LevelDB at path.
func NewConnectionManager(path string) (*ConnectionManager, error) {
	if path == "" {
		return nil, errors.New("p2p: connection manager path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: open connection manager: %w", err)
	}
	cm := &ConnectionManager{
		db:          db,
		authorized:  make(map[string]Endpoint),
		revoked:     make(map[string]struct{}),
		dials:       make(map[string]*dialRecord),
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
	if err := cm.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return cm, nil
}

// Close flushes and closes the underlying database.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.db == nil {
		return nil
	}
	err := cm.db.Close()
	cm.db = nil
	return err
}

// GetAllConnect returns the persisted authorized peer set, keyed by endpoint
// name, mirroring the connection.json/nodes-authorized configuration this
// substrate replaces with a live store.
func (cm *ConnectionManager) GetAllConnect() (map[string]Endpoint, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[string]Endpoint, len(cm.authorized))
	for name, ep := range cm.authorized {
		out[name] = ep
	}
	return out, nil
}

// UpdateAllConnect replaces the authorized peer set and persists it.
func (cm *ConnectionManager) UpdateAllConnect(peers map[string]Endpoint) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.authorized = make(map[string]Endpoint, len(peers))
	for name, ep := range peers {
		cm.authorized[name] = ep
	}
	return cm.persistAuthorizedLocked()
}

// RevokeCert marks a certificate serial number (hex, matching
// x509.Certificate.SerialNumber.Text(16)) as revoked.
func (cm *ConnectionManager) RevokeCert(serial string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.revoked[serial] = struct{}{}
	if cm.db == nil {
		return errors.New("p2p: connection manager closed")
	}
	return cm.db.Put([]byte(revokedKeyPrefix+serial), []byte{1}, nil)
}

// CheckCertOut reports whether serial has been revoked. Satisfies
// RevocationChecker.
func (cm *ConnectionManager) CheckCertOut(serial string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, revoked := cm.revoked[serial]
	return revoked
}

// RecordDialResult updates the exponential backoff state for name following
// a connect attempt.
func (cm *ConnectionManager) RecordDialResult(name string, success bool, now time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	rec := cm.dials[name]
	if rec == nil {
		rec = &dialRecord{}
		cm.dials[name] = rec
	}
	rec.LastTry = now
	if success {
		rec.Fails = 0
	} else {
		rec.Fails++
	}
}

// NextDialAt reports when name may next be dialed, applying exponential
// backoff on repeated failures, matching the scheduling policy this
// substrate's predecessor used for peer reconnection.
func (cm *ConnectionManager) NextDialAt(name string, now time.Time) time.Time {
	cm.mu.RLock()
	rec := cm.dials[name]
	cm.mu.RUnlock()
	if rec == nil || rec.Fails <= 0 {
		return now
	}
	base := cm.baseBackoff
	factor := time.Duration(1 << uint(minInt(rec.Fails-1, 20)))
	backoff := base * factor
	if cm.maxBackoff > 0 && backoff > cm.maxBackoff {
		backoff = cm.maxBackoff
	}
	next := rec.LastTry.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

func (cm *ConnectionManager) persistAuthorizedLocked() error {
	if cm.db == nil {
		return errors.New("p2p: connection manager closed")
	}
	blob, err := json.Marshal(cm.authorized)
	if err != nil {
		return fmt.Errorf("p2p: encode authorized peers: %w", err)
	}
	return cm.db.Put([]byte(authorizedKeyPrefix+"all"), blob, nil)
}

func (cm *ConnectionManager) load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	iter := cm.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		switch {
		case key == authorizedKeyPrefix+"all":
			var peers map[string]Endpoint
			if err := json.Unmarshal(iter.Value(), &peers); err != nil {
				return fmt.Errorf("p2p: decode authorized peers: %w", err)
			}
			cm.authorized = peers
		case len(key) > len(revokedKeyPrefix) && key[:len(revokedKeyPrefix)] == revokedKeyPrefix:
			cm.revoked[key[len(revokedKeyPrefix):]] = struct{}{}
		}
	}
	if cm.authorized == nil {
		cm.authorized = make(map[string]Endpoint)
	}
	return iter.Error()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
