package segment

// Stats is the statistics component: summary data used by readers to skip
// segments that cannot contain the requested key or timestamp range.
type Stats struct {
	Generation      uint64 `json:"generation"`
	PartitionCount  int64  `json:"partition_count"`
	CellCount       int64  `json:"cell_count"`
	TombstoneCount  int64  `json:"tombstone_count"`
	MinTimestamp    int64  `json:"min_timestamp"`
	MaxTimestamp    int64  `json:"max_timestamp"`
	MinPartitionKey []byte `json:"min_partition_key"`
	MaxPartitionKey []byte `json:"max_partition_key"`
	DataSizeBytes   int64  `json:"data_size_bytes"`
}
