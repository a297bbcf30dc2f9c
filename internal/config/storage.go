package config

// Storage config keys (spec §6 Deployment configuration: "auto-compaction,
// block cache size, WAL dir" passed through to the KV engine).
const (
	KeyStorageDataDir        = "storage.data-dir"
	KeyStorageWALDir         = "storage.wal-dir"
	KeyStorageCheckpointDir  = "storage.checkpoint-dir"
	KeyStorageAutoCompaction = "storage.auto-compaction"
	KeyStorageBlockCacheMB   = "storage.block-cache-mb"
)

// StorageSettings is the KV engine tuning surface passed through to
// go.etcd.io/bbolt at open time.
type StorageSettings struct {
	DataDir        string
	WALDir         string
	CheckpointDir  string
	AutoCompaction bool
	BlockCacheMB   int
}

func registerStorageDefaults() {
	setDefault(KeyStorageDataDir, "./data")
	setDefault(KeyStorageWALDir, "./data/wal")
	setDefault(KeyStorageCheckpointDir, "./data/checkpoints")
	setDefault(KeyStorageAutoCompaction, true)
	setDefault(KeyStorageBlockCacheMB, 64)
}

// GetStorageSettings returns the current storage tuning configuration.
func GetStorageSettings() StorageSettings {
	return StorageSettings{
		DataDir:        GetString(KeyStorageDataDir),
		WALDir:         GetString(KeyStorageWALDir),
		CheckpointDir:  GetString(KeyStorageCheckpointDir),
		AutoCompaction: GetBool(KeyStorageAutoCompaction),
		BlockCacheMB:   GetInt(KeyStorageBlockCacheMB),
	}
}
