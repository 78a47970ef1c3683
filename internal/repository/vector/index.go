package vector

import "github.com/kailas-cloud/docqa/internal/db"

func buildIndex(cfg Config) (*db.IndexDefinition, error) {
	b := db.NewIndex(cfg.IndexName).
		Prefix(chunkPrefix).
		Tag(fieldDocumentID).
		Tag(fieldSource).
		Numeric(fieldSeq).
		Numeric(fieldIngestedAt)

	if cfg.Algorithm == db.VectorFlat {
		b = b.VectorFlat(fieldEmbedding, cfg.Dimensions, db.DistanceCosine)
	} else {
		b = b.VectorHNSW(fieldEmbedding, cfg.Dimensions, db.DistanceCosine, cfg.HNSW.M, cfg.HNSW.EFConstruction)
	}
	return b.Build() //nolint:wrapcheck // caller wraps
}
