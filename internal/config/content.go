package config

// Content pipeline config keys (spec §6 Deployment configuration:
// "compression level, skip mimes, chunk size (bytes, 64 KiB-16 MiB)").
// These are hot-reloadable: Watcher re-applies them without restarting
// open transactions.
const (
	KeyContentChunkSizeBytes   = "content.chunk-size-bytes"
	KeyContentCompressionLevel = "content.compression-level"
	KeyContentSkipMimes        = "content.skip-mimes"
)

const (
	minChunkSizeBytes = 64 * 1024
	maxChunkSizeBytes = 16 * 1024 * 1024
)

// ContentSettings is the content pipeline's policy surface.
type ContentSettings struct {
	ChunkSizeBytes   int
	CompressionLevel int
	SkipMimes        []string
}

func registerContentDefaults() {
	setDefault(KeyContentChunkSizeBytes, 1024*1024)
	setDefault(KeyContentCompressionLevel, 6)
	setDefault(KeyContentSkipMimes, []string{"image/jpeg", "image/png", "video/mp4"})
}

// GetContentSettings returns the current content pipeline configuration,
// clamping ChunkSizeBytes into the supported [64 KiB, 16 MiB] range so a
// bad hot-reloaded value can't silently produce pathological chunk sizes.
func GetContentSettings() ContentSettings {
	size := GetInt(KeyContentChunkSizeBytes)
	switch {
	case size < minChunkSizeBytes:
		size = minChunkSizeBytes
	case size > maxChunkSizeBytes:
		size = maxChunkSizeBytes
	}
	return ContentSettings{
		ChunkSizeBytes:   size,
		CompressionLevel: GetInt(KeyContentCompressionLevel),
		SkipMimes:        GetStringSlice(KeyContentSkipMimes),
	}
}
