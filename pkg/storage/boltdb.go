package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/kohakuriver/kohakuriver/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes         = []byte("nodes")
	bucketTasks         = []byte("tasks")
	bucketIPReservation = []byte("ip_reservations")
)

// BoltStore implements Store using an embedded BoltDB file. One BoltStore
// exists per Host process; there is no replication or clustering of the
// database itself, matching the single-coordinator design.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "kohakuriver.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketTasks, bucketIPReservation} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.Hostname), data)
	})
}

func (s *BoltStore) GetNode(hostname string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(hostname))
		if data == nil {
			return fmt.Errorf("node %s: %w", hostname, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node) // upsert
}

func (s *BoltStore) DeleteNode(hostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(hostname))
	})
}

// Task operations

func taskKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(taskKey(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id int64) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(taskKey(id))
		if data == nil {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByNode(hostname string) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Task
	for _, task := range tasks {
		if task.NodeHostname == hostname {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task) // upsert
}

// UpdateTaskStatus is the only supported way to transition a task's status.
// It holds the BoltDB write lock for the whole read-check-mutate-write
// sequence, so it is atomic with respect to any other UpdateTaskStatus or
// UpdateTask call.
func (s *BoltStore) UpdateTaskStatus(id int64, expectedCurrent types.TaskStatus, mutate func(task *types.Task)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		key := taskKey(id)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}

		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		if task.Status != expectedCurrent {
			return fmt.Errorf("task %d: expected status %q, found %q: %w", id, expectedCurrent, task.Status, ErrCASMismatch)
		}
		if task.Status.Terminal() {
			return fmt.Errorf("task %d: already in terminal status %q: %w", id, task.Status, ErrCASMismatch)
		}

		mutate(&task)

		newData, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put(key, newData)
	})
}

func (s *BoltStore) DeleteTask(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete(taskKey(id))
	})
}

// IP reservation operations

func ipReservationKey(subnet, ip string) []byte {
	return []byte(subnet + "|" + ip)
}

func (s *BoltStore) CreateIPReservation(res *types.IPReservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPReservation)
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return b.Put(ipReservationKey(res.Subnet, res.IP), data)
	})
}

func (s *BoltStore) DeleteIPReservation(subnet, ip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIPReservation).Delete(ipReservationKey(subnet, ip))
	})
}

func (s *BoltStore) ListIPReservations(subnet string) ([]*types.IPReservation, error) {
	var reservations []*types.IPReservation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPReservation)
		return b.ForEach(func(k, v []byte) error {
			var res types.IPReservation
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			if res.Subnet == subnet {
				reservations = append(reservations, &res)
			}
			return nil
		})
	})
	return reservations, err
}
