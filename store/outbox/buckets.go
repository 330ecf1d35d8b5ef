package outbox

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Bucket names. Each maps entry id -> encoded Entry. Ids are UUIDv7 strings,
// so key order is creation order.
var (
	bucketPending   = []byte("pending")
	bucketInflight  = []byte("inflight")
	bucketProcessed = []byte("processed")
	bucketDLQ       = []byte("dlq")
)

func bucketName(s State) []byte {
	switch s {
	case StatePending:
		return bucketPending
	case StateInflight:
		return bucketInflight
	case StateProcessed:
		return bucketProcessed
	case StateDLQ:
		return bucketDLQ
	default:
		panic(fmt.Sprintf("outbox: no bucket for state %q", s))
	}
}

func bucket(tx *bbolt.Tx, s State) *bbolt.Bucket {
	return tx.Bucket(bucketName(s))
}

func createBuckets(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, s := range States {
			if _, err := tx.CreateBucketIfNotExists(bucketName(s)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", s, err)
			}
		}
		return nil
	})
}

// locate returns the state of id among the given candidate states.
func locate(tx *bbolt.Tx, id []byte, candidates ...State) State {
	for _, s := range candidates {
		if bucket(tx, s).Get(id) != nil {
			return s
		}
	}
	return StateNone
}
