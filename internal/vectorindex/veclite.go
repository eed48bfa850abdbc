package vectorindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/abdul-hamid-achik/veclite"
)

// VecLite stores points in a local veclite HNSW file. Records carry the entry
// id in their payload; an upsert deletes the previous record first.
type VecLite struct {
	mu         sync.Mutex
	db         *veclite.DB
	coll       *veclite.Collection
	collection string
	dimensions int
}

// OpenVecLite opens or creates the index at path.
func OpenVecLite(path, collection string, dimensions int) (*VecLite, error) {
	if path == "" {
		return nil, fmt.Errorf("open veclite: empty path")
	}
	db, err := veclite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open veclite %s: %w", path, err)
	}

	v := &VecLite{db: db, collection: collection, dimensions: dimensions}
	coll, err := db.GetCollection(collection)
	if err != nil {
		coll, err = v.createCollection()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	v.coll = coll
	return v, nil
}

func (v *VecLite) createCollection() (*veclite.Collection, error) {
	coll, err := v.db.CreateCollection(v.collection,
		veclite.WithDimension(v.dimensions),
		veclite.WithDistanceType(veclite.DistanceCosine),
		veclite.WithHNSW(16, 200),
	)
	if err != nil {
		return nil, fmt.Errorf("create veclite collection %s: %w", v.collection, err)
	}
	return coll, nil
}

// AddPoint replaces any record of entry id with the new vector.
func (v *VecLite) AddPoint(_ context.Context, id int64, vector []float32, meta Metadata) error {
	if len(vector) != v.dimensions {
		return fmt.Errorf("add point %d: dimension mismatch: got %d, expected %d", id, len(vector), v.dimensions)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.coll.DeleteWhere(veclite.Equal(KeyEntryID, id)); err != nil {
		return fmt.Errorf("replace point %d: %w", id, err)
	}
	if _, err := v.coll.Insert(vector, meta.payload(id)); err != nil {
		return fmt.Errorf("insert point %d: %w", id, err)
	}
	if err := v.db.Sync(); err != nil {
		return fmt.Errorf("sync veclite: %w", err)
	}
	return nil
}

// DeletePoint removes the record of entry id.
func (v *VecLite) DeletePoint(_ context.Context, id int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.deleteWhere(veclite.Equal(KeyEntryID, id)); err != nil {
		return fmt.Errorf("delete point %d: %w", id, err)
	}
	return nil
}

// DeleteSource removes every record of sourceID.
func (v *VecLite) DeleteSource(_ context.Context, sourceID int64) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	deleted, err := v.deleteWhere(veclite.Equal(KeySourceID, sourceID))
	if err != nil {
		return deleted, fmt.Errorf("delete points of source %d: %w", sourceID, err)
	}
	return deleted, nil
}

// deleteWhere removes matching records and syncs. v.mu must be held.
func (v *VecLite) deleteWhere(filter veclite.Filter) (int64, error) {
	deleted, err := v.coll.DeleteWhere(filter)
	if err != nil {
		return int64(deleted), err
	}

	// An emptied HNSW graph is rebuilt from scratch rather than reused.
	if deleted > 0 && v.coll.Count() == 0 {
		if err := v.db.DropCollection(v.collection); err != nil {
			return int64(deleted), fmt.Errorf("reset veclite collection: %w", err)
		}
		coll, err := v.createCollection()
		if err != nil {
			return int64(deleted), err
		}
		v.coll = coll
	}

	if err := v.db.Sync(); err != nil {
		return int64(deleted), fmt.Errorf("sync veclite: %w", err)
	}
	return int64(deleted), nil
}

// Count returns the number of stored records.
func (v *VecLite) Count(context.Context) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return int64(v.coll.Count()), nil
}

// Ping reports whether the file is open.
func (v *VecLite) Ping(context.Context) error {
	if v.db == nil {
		return fmt.Errorf("veclite closed")
	}
	return nil
}

// Close syncs and closes the file.
func (v *VecLite) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return nil
	}
	_ = v.db.Sync()
	err := v.db.Close()
	v.db = nil
	return err
}
