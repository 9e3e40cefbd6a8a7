package memory

import (
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lyceum-ai/lyceum/pkg/types"
)

var (
	// Catalog bucket names
	bucketStateUpdates = []byte("state_updates")
	bucketCheckpoints  = []byte("checkpoints")
	bucketAgentOutputs = []byte("agent_outputs")
	bucketAggregates   = []byte("aggregates")
	bucketIterations   = []byte("iterations")
)

// catalog is a bbolt-backed index over the files in the memory root.
// The files remain the source of truth; the catalog only accelerates
// "latest" lookups and lets the component index survive restarts.
type catalog struct {
	db *bolt.DB
}

func openCatalog(path string) (*catalog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketStateUpdates,
			bucketCheckpoints,
			bucketAgentOutputs,
			bucketAggregates,
			bucketIterations,
		}
		for _, bucket := range buckets {
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

	return &catalog{db: db}, nil
}

func (c *catalog) close() error {
	return c.db.Close()
}

// timeKey keys entries so bbolt's byte ordering matches time ordering
func timeKey(t time.Time) []byte {
	return []byte(t.UTC().Format(fileTimestamp))
}

func (c *catalog) putStateUpdate(timestamp time.Time, path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStateUpdates)
		// Suffix with the path itself so same-timestamp writers coexist
		key := append(timeKey(timestamp), []byte("|"+path)...)
		return b.Put(key, []byte(path))
	})
}

func (c *catalog) latestStateUpdate() (string, error) {
	var path string
	err := c.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketStateUpdates).Cursor()
		if k, v := cursor.Last(); k != nil {
			path = string(v)
		}
		return nil
	})
	return path, err
}

func (c *catalog) putCheckpoint(checkpointID, path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(checkpointID), []byte(path))
	})
}

func (c *catalog) checkpointPath(checkpointID string) (string, error) {
	var path string
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(checkpointID))
		if data == nil {
			return fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
		}
		path = string(data)
		return nil
	})
	return path, err
}

func (c *catalog) putAgentOutput(agent types.AgentType, timestamp time.Time, path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketAgentOutputs).CreateBucketIfNotExists([]byte(agent))
		if err != nil {
			return err
		}
		key := append(timeKey(timestamp), []byte("|"+path)...)
		return b.Put(key, []byte(path))
	})
}

// loadComponentIndex rebuilds the agent-type → output-paths index.
// Agent outputs live in one sub-bucket per agent type; a nil cursor value
// marks a sub-bucket entry.
func (c *catalog) loadComponentIndex() (map[types.AgentType][]string, error) {
	index := make(map[types.AgentType][]string)
	err := c.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketAgentOutputs)
		cursor := root.Cursor()
		for name, value := cursor.First(); name != nil; name, value = cursor.Next() {
			if value != nil {
				continue // not a sub-bucket
			}
			agent := types.AgentType(name)
			if err := root.Bucket(name).ForEach(func(k, v []byte) error {
				index[agent] = append(index[agent], string(v))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return index, err
}

func (c *catalog) putAggregate(aggType string, timestamp time.Time, path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketAggregates).CreateBucketIfNotExists([]byte(aggType))
		if err != nil {
			return err
		}
		return b.Put(timeKey(timestamp), []byte(path))
	})
}

func (c *catalog) latestAggregate(aggType string) (string, error) {
	var path string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAggregates).Bucket([]byte(aggType))
		if b == nil {
			return fmt.Errorf("%w: aggregate %s", types.ErrNotFound, aggType)
		}
		if k, v := b.Cursor().Last(); k != nil {
			path = string(v)
		}
		return nil
	})
	return path, err
}

func (c *catalog) putIterationStatus(n int, status string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIterations).Put([]byte(strconv.Itoa(n)), []byte(status))
	})
}

func (c *catalog) iterationStatus(n int) (string, error) {
	var status string
	err := c.db.View(func(tx *bolt.Tx) error {
		status = string(tx.Bucket(bucketIterations).Get([]byte(strconv.Itoa(n))))
		return nil
	})
	return status, err
}
