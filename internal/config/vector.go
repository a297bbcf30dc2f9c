package config

// Vector index config keys (spec §4.5: "ef_construction, ef_search, M —
// positive ints — HNSW tuning"). ef-search is hot-reloadable; ef-construction
// and M only take effect for namespaces created after the change.
const (
	KeyVectorEfConstruction = "vector.ef-construction"
	KeyVectorEfSearch       = "vector.ef-search"
	KeyVectorM              = "vector.m"
)

// VectorSettings is the HNSW tuning surface passed to new vectoridx
// namespaces at creation time.
type VectorSettings struct {
	EfConstruction int
	EfSearch       int
	M              int
}

func registerVectorDefaults() {
	setDefault(KeyVectorEfConstruction, 200)
	setDefault(KeyVectorEfSearch, 64)
	setDefault(KeyVectorM, 16)
}

// GetVectorSettings returns the current HNSW tuning configuration.
func GetVectorSettings() VectorSettings {
	return VectorSettings{
		EfConstruction: GetInt(KeyVectorEfConstruction),
		EfSearch:       GetInt(KeyVectorEfSearch),
		M:              GetInt(KeyVectorM),
	}
}
