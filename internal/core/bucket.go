package core

// IndexType identifies the relational type backing an indexed attribute.
// Array variants are declared with surrounding brackets, e.g. "[string]",
// and fan a single attribute out to multiple indexed values.
type IndexType string

const (
	IndexString  IndexType = "string"
	IndexNumber  IndexType = "number"
	IndexBoolean IndexType = "boolean"
	IndexIP      IndexType = "ip"
	IndexSubnet  IndexType = "subnet"

	IndexStringArray  IndexType = "[string]"
	IndexNumberArray  IndexType = "[number]"
	IndexBooleanArray IndexType = "[boolean]"
	IndexIPArray      IndexType = "[ip]"
	IndexSubnetArray  IndexType = "[subnet]"
)

// Valid reports whether t is one of the declared index types.
func (t IndexType) Valid() bool {
	switch t {
	case IndexString, IndexNumber, IndexBoolean, IndexIP, IndexSubnet,
		IndexStringArray, IndexNumberArray, IndexBooleanArray,
		IndexIPArray, IndexSubnetArray:
		return true
	}
	return false
}

// Array reports whether t is an array-typed index.
func (t IndexType) Array() bool {
	return len(t) > 2 && t[0] == '[' && t[len(t)-1] == ']'
}

// Elem returns the element type of an array-typed index, or t itself
// for scalar types.
func (t IndexType) Elem() IndexType {
	if t.Array() {
		return IndexType(t[1 : len(t)-1])
	}
	return t
}

// IndexField declares one secondary-index entry of a bucket: the attribute's
// relational type and whether values must be unique across the bucket.
type IndexField struct {
	Type   IndexType `json:"type" yaml:"type"`
	Unique bool      `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// BucketOptions carries per-bucket behavior flags.
type BucketOptions struct {
	// Version is the monotonic schema generation number. Zero means
	// "legacy/unversioned"; such buckets may always be overwritten.
	Version int `json:"version" yaml:"version"`

	// TrackModification forces a fresh _id on every update instead of
	// preserving the row identity across writes.
	TrackModification bool `json:"trackModification,omitempty" yaml:"track_modification,omitempty"`

	// GuaranteeOrder serializes all writes to the bucket through a
	// single-row locking table, assigning each write a strictly
	// increasing _txn_snap value.
	GuaranteeOrder bool `json:"guaranteeOrder,omitempty" yaml:"guarantee_order,omitempty"`

	// SyncUpdates forces synchronous replication acknowledgment for
	// writes to this bucket, where the backend supports it.
	SyncUpdates bool `json:"syncUpdates,omitempty" yaml:"sync_updates,omitempty"`
}

// Bucket is the authoritative configuration of one named collection:
// its secondary-index schema, trigger chains and options.
type Bucket struct {
	// Name uniquely identifies the bucket. It must match
	// ^[A-Za-z]\w{0,62}$ and must not collide with a reserved name.
	Name string `json:"name"`

	// Index maps attribute name to its index declaration.
	Index map[string]IndexField `json:"index"`

	// Pre and Post name registered trigger callbacks, run in order
	// before indexing/inserting and after a committed write.
	Pre  []string `json:"pre"`
	Post []string `json:"post"`

	// Options holds behavior flags including the schema version.
	Options BucketOptions `json:"options"`

	// ReindexActive maps a target schema version to the attribute names
	// still awaiting backfill for that version. Empty when no reindex
	// is pending.
	ReindexActive map[int][]string `json:"reindex_active,omitempty"`

	// Mtime is the epoch-millisecond timestamp of the last metadata write.
	Mtime int64 `json:"mtime"`
}

// Reindexing reports whether any reindex work is pending for the bucket.
func (b *Bucket) Reindexing() bool {
	for _, attrs := range b.ReindexActive {
		if len(attrs) > 0 {
			return true
		}
	}
	return false
}

// ObjectRecord is one stored object as reconstructed from its backing row.
type ObjectRecord struct {
	Bucket string                 `json:"bucket"`
	Key    string                 `json:"key"`
	Value  map[string]interface{} `json:"value"`

	// ID is the server-assigned row identity. It is preserved across
	// updates unless the bucket sets TrackModification.
	ID int64 `json:"_id"`

	// Etag is the content hash of the serialized value.
	Etag string `json:"_etag"`

	// Mtime is the epoch-millisecond timestamp of the last write.
	Mtime int64 `json:"_mtime"`

	// TxnSnap is the bucket-wide write sequence number, set only when
	// the bucket guarantees order.
	TxnSnap *int64 `json:"_txn_snap,omitempty"`
}

// UpdateResult reports the outcome of a bulk update or delete-many call.
type UpdateResult struct {
	Count int64  `json:"count"`
	Etag  string `json:"etag"`
}
