package vector

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Hash field names. The index covers document_id, source, seq and embedding.
const (
	fieldChunkID    = "chunk_id"
	fieldDocumentID = "document_id"
	fieldSeq        = "seq"
	fieldText       = "text"
	fieldTokens     = "token_count"
	fieldSource     = "source"
	fieldMetadata   = "metadata"
	fieldIngestedAt = "ingested_at"
	fieldEmbedding  = "embedding"
)

var returnFields = []string{
	fieldChunkID, fieldDocumentID, fieldSeq, fieldText, fieldTokens, fieldSource, fieldMetadata, fieldIngestedAt,
}

func buildHashFields(rec domain.ChunkRecord) map[string]string {
	fields := map[string]string{
		fieldChunkID:    rec.ID,
		fieldDocumentID: rec.DocumentID,
		fieldSeq:        strconv.Itoa(rec.Seq),
		fieldText:       rec.Text,
		fieldTokens:     strconv.Itoa(rec.TokenCount),
		fieldSource:     rec.Source,
		fieldIngestedAt: strconv.FormatInt(rec.IngestedAt.UnixNano(), 10),
		fieldEmbedding:  vectorToBytes(rec.Embedding),
	}
	if len(rec.Metadata) > 0 {
		// map[string]string always marshals.
		data, _ := json.Marshal(rec.Metadata)
		fields[fieldMetadata] = string(data)
	}
	return fields
}

func parseMatch(fields map[string]string, score float64) domain.Match {
	m := domain.Match{
		ChunkID:    fields[fieldChunkID],
		DocumentID: fields[fieldDocumentID],
		Text:       fields[fieldText],
		Source:     fields[fieldSource],
		Score:      score,
	}
	m.Seq, _ = strconv.Atoi(fields[fieldSeq])
	m.TokenCount, _ = strconv.Atoi(fields[fieldTokens])
	if ns, err := strconv.ParseInt(fields[fieldIngestedAt], 10, 64); err == nil {
		m.IngestedAt = time.Unix(0, ns).UTC()
	}
	if raw := fields[fieldMetadata]; raw != "" {
		var meta map[string]string
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			m.Metadata = meta
		}
	}
	if m.ChunkID == "" && m.DocumentID != "" {
		m.ChunkID = domain.ChunkID(m.DocumentID, m.Seq)
	}
	return m
}

// vectorToBytes serializes []float32 to a binary string (4 bytes per float, little-endian).
func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}
