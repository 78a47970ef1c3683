package db

// KNNQuery is the input for vector similarity search.
type KNNQuery struct {
	IndexName string
	// VectorField is the indexed vector attribute; defaults to "embedding".
	VectorField string
	// Tags restricts hits to entries whose tag field matches one of the
	// values. Fields are ANDed, values within a field are ORed.
	Tags         map[string][]string
	Vector       []float32
	K            int
	ReturnFields []string
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Total   int
	Entries []SearchEntry
}

// SearchEntry is a single document hit from a search.
type SearchEntry struct {
	Key    string
	Score  float64
	Fields map[string]string
}
