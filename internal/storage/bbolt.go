// Package storage provides durable per-server persistence on bbolt.
// Tokens, client credentials, discovered endpoints, enablement flags and wake
// timers all survive process restarts.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltDB opens (or creates) the database in dataDir.
func NewBoltDB(dataDir string, logger *zap.Logger) (*BoltDB, error) {
	if logger == nil {
		logger = zap.L()
	}
	dbPath := filepath.Join(dataDir, "mcpconnect.db")

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	boltDB := &BoltDB{db: db, logger: logger.Named("storage")}
	if err := boltDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return boltDB, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			TokensBucket,
			CredentialsBucket,
			EndpointsBucket,
			ServerStateBucket,
			WakeTimersBucket,
			MetaBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		metaBucket := tx.Bucket([]byte(MetaBucket))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return metaBucket.Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the current schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}
		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if versionBytes == nil {
			version = 0
			return nil
		}
		version = binary.LittleEndian.Uint64(versionBytes)
		return nil
	})
	return version, err
}

type binaryRecord interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

func (b *BoltDB) put(bucket, key string, record binaryRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (b *BoltDB) get(bucket, key string, record binaryRecord) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return record.UnmarshalBinary(data)
	})
}

func (b *BoltDB) delete(bucket, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

// Token operations

// SaveToken stores OAuth tokens for a server.
func (b *BoltDB) SaveToken(record *TokenRecord) error {
	now := time.Now()
	if record.Created.IsZero() {
		record.Created = now
	}
	record.Updated = now
	return b.put(TokensBucket, record.ServerName, record)
}

// GetToken retrieves stored OAuth tokens for a server.
func (b *BoltDB) GetToken(serverName string) (*TokenRecord, error) {
	record := &TokenRecord{}
	if err := b.get(TokensBucket, serverName, record); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteToken removes stored OAuth tokens for a server.
func (b *BoltDB) DeleteToken(serverName string) error {
	return b.delete(TokensBucket, serverName)
}

// ListTokens returns all stored token records.
func (b *BoltDB) ListTokens() ([]*TokenRecord, error) {
	var records []*TokenRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TokensBucket)).ForEach(func(_, v []byte) error {
			record := &TokenRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// Credentials operations

// SaveCredentials stores dynamic client credentials for a server.
func (b *BoltDB) SaveCredentials(record *CredentialsRecord) error {
	if record.RegisteredAt.IsZero() {
		record.RegisteredAt = time.Now()
	}
	return b.put(CredentialsBucket, record.ServerName, record)
}

// GetCredentials retrieves dynamic client credentials for a server.
func (b *BoltDB) GetCredentials(serverName string) (*CredentialsRecord, error) {
	record := &CredentialsRecord{}
	if err := b.get(CredentialsBucket, serverName, record); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteCredentials removes dynamic client credentials for a server.
func (b *BoltDB) DeleteCredentials(serverName string) error {
	return b.delete(CredentialsBucket, serverName)
}

// Endpoints operations

// SaveEndpoints stores discovered OAuth endpoints for a server.
func (b *BoltDB) SaveEndpoints(record *EndpointsRecord) error {
	record.Updated = time.Now()
	return b.put(EndpointsBucket, record.ServerName, record)
}

// GetEndpoints retrieves discovered OAuth endpoints for a server.
func (b *BoltDB) GetEndpoints(serverName string) (*EndpointsRecord, error) {
	record := &EndpointsRecord{}
	if err := b.get(EndpointsBucket, serverName, record); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteEndpoints removes discovered OAuth endpoints for a server.
func (b *BoltDB) DeleteEndpoints(serverName string) error {
	return b.delete(EndpointsBucket, serverName)
}

// Server state operations

// SaveServerState persists the enablement flag for a server.
func (b *BoltDB) SaveServerState(record *ServerStateRecord) error {
	record.Updated = time.Now()
	return b.put(ServerStateBucket, record.ServerName, record)
}

// GetServerState retrieves the persisted enablement flag for a server.
func (b *BoltDB) GetServerState(serverName string) (*ServerStateRecord, error) {
	record := &ServerStateRecord{}
	if err := b.get(ServerStateBucket, serverName, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Wake timer operations

// SaveWakeTimer stores a durable wake timer, replacing any with the same name.
func (b *BoltDB) SaveWakeTimer(record *WakeTimerRecord) error {
	if record.Created.IsZero() {
		record.Created = time.Now()
	}
	return b.put(WakeTimersBucket, record.Name, record)
}

// DeleteWakeTimer cancels a durable wake timer by name.
func (b *BoltDB) DeleteWakeTimer(name string) error {
	return b.delete(WakeTimersBucket, name)
}

// DeleteWakeTimerIfUnchanged deletes the named wake timer only if its stored
// fire time still equals fireAt. A handler that rescheduled the same name has
// replaced the record, and the replacement must survive.
func (b *BoltDB) DeleteWakeTimerIfUnchanged(name string, fireAt time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(WakeTimersBucket))
		data := bucket.Get([]byte(name))
		if data == nil {
			return nil
		}
		record := &WakeTimerRecord{}
		if err := record.UnmarshalBinary(data); err != nil {
			return err
		}
		if !record.FireAt.Equal(fireAt) {
			return nil
		}
		return bucket.Delete([]byte(name))
	})
}

// ListWakeTimers returns all persisted wake timers.
func (b *BoltDB) ListWakeTimers() ([]*WakeTimerRecord, error) {
	var records []*WakeTimerRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(WakeTimersBucket)).ForEach(func(_, v []byte) error {
			record := &WakeTimerRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// WipeServer removes all per-server records (tokens, credentials, endpoints)
// in a single transaction. Used by disconnect-with-logout.
func (b *BoltDB) WipeServer(serverName string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{TokensBucket, CredentialsBucket, EndpointsBucket} {
			if err := tx.Bucket([]byte(bucket)).Delete([]byte(serverName)); err != nil {
				return err
			}
		}
		return nil
	})
}
