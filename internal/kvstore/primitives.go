package kvstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/docspasta/crawler-engine/internal/crawlerrors"
)

// Every primitive is implemented directly on raw Badger transactions
// rather than through badgerhold's document layer: atomicSetAdd,
// counterIncr, and the queue pop all need a single ACID read-modify-write
// across one or more keys, which is exactly what badger.DB.Update gives
// for free. badgerhold's Store still owns the same underlying *badger.DB
// (see Store.Hold), so indexed record types coexist with these primitives
// in one database.

func setMemberKey(key, member string) []byte { return []byte("set:" + key + ":" + member) }
func counterKey(key string) []byte           { return []byte("counter:" + key) }
func listHeadKey(key string) []byte          { return []byte("list:" + key + ":head") }
func listTailKey(key string) []byte          { return []byte("list:" + key + ":tail") }
func listItemKey(key string, idx int64) []byte {
	return []byte(fmt.Sprintf("list:%s:item:%020d", key, idx))
}
func hashFieldKey(key, field string) []byte { return []byte("hash:" + key + ":" + field) }
func hashPrefix(key string) []byte          { return []byte("hash:" + key + ":") }

func readInt64(txn *badger.Txn, key []byte) (int64, bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		v = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return v, true, err
}

func writeInt64(txn *badger.Txn, key []byte, v int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return txn.Set(key, buf)
}

// AtomicSetAdd adds members to the named set and returns how many were not
// previously present. Linearizable w.r.t. concurrent calls on the same
// key: the whole check-and-add runs inside one Badger transaction; a
// transaction that conflicts with a concurrent one commits nothing and is
// returned as a Transient error.
func (s *Store) AtomicSetAdd(ctx context.Context, key string, members []string) (int, error) {
	added := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		added = 0
		for _, m := range members {
			mkey := setMemberKey(key, m)
			_, err := txn.Get(mkey)
			switch err {
			case badger.ErrKeyNotFound:
				if err := txn.Set(mkey, []byte{1}); err != nil {
					return err
				}
				added++
			case nil:
				// already present
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, crawlerrors.New(crawlerrors.Transient, "AtomicSetAdd", err)
	}
	return added, nil
}

// SetRemove deletes members from the named set. Removing an absent
// member is a no-op.
func (s *Store) SetRemove(ctx context.Context, key string, members []string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range members {
			if err := txn.Delete(setMemberKey(key, m)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return crawlerrors.New(crawlerrors.Transient, "SetRemove", err)
	}
	return nil
}

// SetContains reports whether member is present in the named set.
func (s *Store) SetContains(ctx context.Context, key, member string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(setMemberKey(key, member))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, crawlerrors.New(crawlerrors.Transient, "SetContains", err)
	}
	return found, nil
}

// ListPush appends value to the named FIFO list.
func (s *Store) ListPush(ctx context.Context, key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		tail, _, err := readInt64(txn, listTailKey(key))
		if err != nil {
			return err
		}
		if err := txn.Set(listItemKey(key, tail), []byte(value)); err != nil {
			return err
		}
		return writeInt64(txn, listTailKey(key), tail+1)
	})
	if err != nil {
		return crawlerrors.New(crawlerrors.Transient, "ListPush", err)
	}
	return nil
}

// ListPop removes and returns the oldest value in the named FIFO list.
// Returns ok=false when the list is empty.
func (s *Store) ListPop(ctx context.Context, key string) (value string, ok bool, err error) {
	txErr := s.db.Update(func(txn *badger.Txn) error {
		head, _, e := readInt64(txn, listHeadKey(key))
		if e != nil {
			return e
		}
		tail, _, e := readInt64(txn, listTailKey(key))
		if e != nil {
			return e
		}
		if head >= tail {
			return nil // empty
		}

		ikey := listItemKey(key, head)
		item, e := txn.Get(ikey)
		if e != nil {
			return e
		}
		e = item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
		if e != nil {
			return e
		}
		if e := txn.Delete(ikey); e != nil {
			return e
		}
		if e := writeInt64(txn, listHeadKey(key), head+1); e != nil {
			return e
		}
		ok = true
		return nil
	})
	if txErr != nil {
		return "", false, crawlerrors.New(crawlerrors.Transient, "ListPop", txErr)
	}
	return value, ok, nil
}

// ListLen reports the number of items currently pending in the list.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	var length int64
	err := s.db.View(func(txn *badger.Txn) error {
		head, _, e := readInt64(txn, listHeadKey(key))
		if e != nil {
			return e
		}
		tail, _, e := readInt64(txn, listTailKey(key))
		if e != nil {
			return e
		}
		length = tail - head
		return nil
	})
	if err != nil {
		return 0, crawlerrors.New(crawlerrors.Transient, "ListLen", err)
	}
	return length, nil
}

// CounterIncr adds delta to the named counter and returns the new value.
// Never a get-then-set at the caller: the read-modify-write happens
// inside one transaction.
func (s *Store) CounterIncr(ctx context.Context, key string, delta int64) (int64, error) {
	var newVal int64
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, _, e := readInt64(txn, counterKey(key))
		if e != nil {
			return e
		}
		newVal = cur + delta
		return writeInt64(txn, counterKey(key), newVal)
	})
	if err != nil {
		return 0, crawlerrors.New(crawlerrors.Transient, "CounterIncr", err)
	}
	return newVal, nil
}

// CounterGet reads the current value of the named counter (0 if unset).
func (s *Store) CounterGet(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.View(func(txn *badger.Txn) error {
		val, _, e := readInt64(txn, counterKey(key))
		v = val
		return e
	})
	if err != nil {
		return 0, crawlerrors.New(crawlerrors.Transient, "CounterGet", err)
	}
	return v, nil
}

// HashSet stores a single field of the named hash.
func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(hashFieldKey(key, field), []byte(value))
	})
	if err != nil {
		return crawlerrors.New(crawlerrors.Transient, "HashSet", err)
	}
	return nil
}

// HashGetAll returns every field of the named hash.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	result := make(map[string]string)
	prefix := hashPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			field := string(item.KeyCopy(nil)[len(prefix):])
			err := item.Value(func(val []byte) error {
				result[field] = string(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, crawlerrors.New(crawlerrors.Transient, "HashGetAll", err)
	}
	return result, nil
}

// KeyExpire sets a TTL on every physical key belonging to the given
// logical key, across whichever primitives (hash/set/list/counter/
// events) it was used with. A single logical key can span many physical
// Badger keys; this fans out across the namespaces so the caller
// doesn't need to know which primitive produced which key.
func (s *Store) KeyExpire(ctx context.Context, key string, ttl time.Duration) error {
	prefixes := [][]byte{
		[]byte("hash:" + key + ":"),
		[]byte("set:" + key + ":"),
		[]byte("list:" + key + ":"),
		[]byte("events:" + key + ":"),
	}
	singles := [][]byte{counterKey(key), []byte("events:" + key + ":seq")}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			var keys [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				item, err := txn.Get(k)
				if err != nil {
					continue
				}
				val, err := item.ValueCopy(nil)
				if err != nil {
					continue
				}
				if err := txn.SetEntry(badger.NewEntry(k, val).WithTTL(ttl)); err != nil {
					return err
				}
			}
		}
		for _, k := range singles {
			item, err := txn.Get(k)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.SetEntry(badger.NewEntry(k, val).WithTTL(ttl)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return crawlerrors.New(crawlerrors.Transient, "KeyExpire", err)
	}
	return nil
}

func eventSeqKey(key string) string   { return key + ":seq" }
func eventItemKey(key string, id int64) []byte {
	return []byte(fmt.Sprintf("events:%s:item:%020d", key, id))
}

// EventAppend appends payload to the named event log and returns the new
// monotonically increasing event id.
func (s *Store) EventAppend(ctx context.Context, key string, payload interface{}) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, crawlerrors.New(crawlerrors.Fatal, "EventAppend", err)
	}

	var id int64
	txErr := s.db.Update(func(txn *badger.Txn) error {
		seqKey := []byte("events:" + eventSeqKey(key))
		cur, _, e := readInt64(txn, seqKey)
		if e != nil {
			return e
		}
		id = cur + 1
		if e := writeInt64(txn, seqKey, id); e != nil {
			return e
		}
		return txn.Set(eventItemKey(key, id), data)
	})
	if txErr != nil {
		return 0, crawlerrors.New(crawlerrors.Transient, "EventAppend", txErr)
	}
	return id, nil
}

// EventLastID returns the id of the most recently appended event on the
// named log, 0 if nothing has been appended.
func (s *Store) EventLastID(ctx context.Context, key string) (int64, error) {
	var id int64
	err := s.db.View(func(txn *badger.Txn) error {
		v, _, e := readInt64(txn, []byte("events:"+eventSeqKey(key)))
		id = v
		return e
	})
	if err != nil {
		return 0, crawlerrors.New(crawlerrors.Transient, "EventLastID", err)
	}
	return id, nil
}

// RawEvent is an (id, payload bytes) pair as read back from the log.
type RawEvent struct {
	EventID int64
	Payload []byte
}

// EventRange returns up to maxCount events with id > afterId, in id order.
func (s *Store) EventRange(ctx context.Context, key string, afterID int64, maxCount int) ([]RawEvent, error) {
	var out []RawEvent
	start := []byte(fmt.Sprintf("events:%s:item:%020d", key, afterID+1))
	prefix := []byte(fmt.Sprintf("events:%s:item:", key))

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		count := 0
		for it.Seek(start); it.ValidForPrefix(prefix) && count < maxCount; it.Next() {
			item := it.Item()
			idStr := string(item.KeyCopy(nil)[len(prefix):])
			var id int64
			fmt.Sscanf(idStr, "%d", &id)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, RawEvent{EventID: id, Payload: val})
			count++
		}
		return nil
	})
	if err != nil {
		return nil, crawlerrors.New(crawlerrors.Transient, "EventRange", err)
	}
	return out, nil
}

// EventTailBlocking polls for events after afterID until one arrives or
// timeout elapses, returning an empty slice on timeout. Badger has no
// blocking subscription primitive usable across process boundaries
// here, so this is a short poll loop.
func (s *Store) EventTailBlocking(ctx context.Context, key string, afterID int64, timeout time.Duration) ([]RawEvent, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 200 * time.Millisecond

	for {
		events, err := s.EventRange(ctx, key, afterID, 1000)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
