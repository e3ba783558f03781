package metastore

import "go.etcd.io/bbolt"

// Bucket layout, one bucket per entity, mirroring
// Gammanik-distributed-storage/internal/metastore/bolt.go's
// filesBucket/chunksBucket split, generalized to the full data model in
// spec.md §3.
var (
	filesBucket          = []byte("files")
	directoriesBucket    = []byte("directories")
	blocksBucket         = []byte("blocks")
	blockLocationsBucket = []byte("block_locations")
	dataNodesBucket      = []byte("datanodes")
	logBucket            = []byte("metadata_log")
	metaBucket           = []byte("meta")
	orphanBlocksBucket   = []byte("orphan_blocks")
)

var allBuckets = [][]byte{
	filesBucket, directoriesBucket, blocksBucket, blockLocationsBucket,
	dataNodesBucket, logBucket, metaBucket, orphanBlocksBucket,
}

// migrate creates every bucket this store needs; bbolt's CreateBucketIfNotExists
// makes this idempotent across restarts, the pattern function61-varasto's
// stodb package uses for its own schema bootstrap.
func migrate(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}
