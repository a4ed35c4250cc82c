package emberkv

// MemtableStats is the memtable section of INFO() (spec.md §6).
type MemtableStats struct {
	SizeBytes       int64
	EntryCount      int
	OldestCreatedAt int64
	NewestCreatedAt int64
}

// Stats is the full INFO() response shape from spec.md §6.
type Stats struct {
	Memtable          MemtableStats
	Runs              []RunMetadata
	TotalSizeBytes    int64
	TotalEntries      int
	CompactionHistory []CompactionStats
}
