package fileservice

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// metaStore persists the directory tree and file attributes in badger.
// Payload extents are deliberately not stored here.
type metaStore struct {
	db *badger.DB
}

type dirRecord struct {
	ID     uint32 `json:"id"`
	Parent uint32 `json:"parent"`
	Name   string `json:"name"`
}

type fileRecord struct {
	ID    uint32 `json:"id"`
	Dir   uint32 `json:"dir"`
	Name  string `json:"name"`
	Attrs uint32 `json:"attrs"`
	Size  uint64 `json:"size"`
}

func openMetaStore(dir string) (*metaStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	return &metaStore{db: db}, nil
}

func (s *metaStore) Close() error {
	return s.db.Close()
}

func dirKey(id uint32) []byte  { return []byte(fmt.Sprintf("d:%d", id)) }
func fileKey(id uint32) []byte { return []byte(fmt.Sprintf("f:%d", id)) }

func (s *metaStore) putDir(rec dirRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dirKey(rec.ID), val)
	})
}

func (s *metaStore) deleteDir(id uint32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dirKey(id))
	})
}

func (s *metaStore) putFile(rec fileRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileKey(rec.ID), val)
	})
}

func (s *metaStore) deleteFile(id uint32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fileKey(id))
	})
}

func (s *metaStore) loadAll() ([]dirRecord, []fileRecord, error) {
	var dirs []dirRecord
	var files []fileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			err := item.Value(func(val []byte) error {
				switch key[0] {
				case 'd':
					var rec dirRecord
					if err := json.Unmarshal(val, &rec); err != nil {
						return err
					}
					dirs = append(dirs, rec)
				case 'f':
					var rec fileRecord
					if err := json.Unmarshal(val, &rec); err != nil {
						return err
					}
					files = append(files, rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return dirs, files, nil
}
