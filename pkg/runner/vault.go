package runner

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketContainers = []byte("containers")

// Record is the Runner-local metadata needed to re-adopt a container on
// restart: enough to rebuild a supervisory task and report status without
// consulting the Host. It is the only state a Runner persists — everything
// else is reconstructed from the live containerd/container state on boot.
type Record struct {
	TaskID       int64
	ContainerID  string
	Type         types.TaskType
	SSHPort      int
	ReservedIP   string
	StartedAt    time.Time
	DispatchBlob json.RawMessage // the raw Task as dispatched, for rebuilding the supervisor
}

// Vault is a small embedded key/value store keyed by task id, holding one
// Record per container the Runner currently knows about.
type Vault struct {
	db *bolt.DB
}

// OpenVault opens (creating if absent) the vault file under dataDir.
func OpenVault(dataDir string) (*Vault, error) {
	path := filepath.Join(dataDir, "runner-vault.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("runner: open vault: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContainers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Vault{db: db}, nil
}

// Close closes the vault file.
func (v *Vault) Close() error {
	return v.db.Close()
}

func vaultKey(taskID int64) []byte {
	return []byte(strconv.FormatInt(taskID, 10))
}

// Put upserts rec under its TaskID.
func (v *Vault) Put(rec Record) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainers).Put(vaultKey(rec.TaskID), data)
	})
}

// Get loads the record for taskID.
func (v *Vault) Get(taskID int64) (Record, error) {
	var rec Record
	err := v.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get(vaultKey(taskID))
		if data == nil {
			return fmt.Errorf("runner: vault: task %d: %w", taskID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Delete removes taskID's record.
func (v *Vault) Delete(taskID int64) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete(vaultKey(taskID))
	})
}

// List returns every record currently held.
func (v *Vault) List() ([]Record, error) {
	var out []Record
	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
