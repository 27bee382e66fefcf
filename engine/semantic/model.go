package semantic

import (
	pb "github.com/qdrant/go-client/qdrant"

	"github.com/QuillAI/quill-engine/engine/domain"
)

// VectorRecord is a single embedded chunk ready to store in Qdrant.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// Payload keys shared by Upsert and the search/scroll readers. The payload
// mirrors domain.Chunk so hits can be rebuilt without a second lookup.
const (
	payloadContent     = "content"
	payloadDocTitle    = "doc_title"
	payloadSectionPath = "section_path"
	payloadChunkIndex  = "chunk_index"
	payloadSourceURI   = "source_uri"
)

// Record pairs a chunk with its embedding for storage.
func Record(c domain.Chunk, embedding []float32) VectorRecord {
	return VectorRecord{
		ID:        c.ID,
		Embedding: embedding,
		Payload: map[string]any{
			payloadContent:     c.Text,
			payloadDocTitle:    c.DocTitle,
			payloadSectionPath: c.SectionPath,
			payloadChunkIndex:  c.ChunkIndex,
			payloadSourceURI:   c.SourceURI,
		},
	}
}

// chunkFromPayload rebuilds a chunk from a stored point's payload.
func chunkFromPayload(id string, payload map[string]*pb.Value) domain.Chunk {
	c := domain.Chunk{ID: id}
	for k, val := range payload {
		switch k {
		case payloadContent:
			c.Text = val.GetStringValue()
		case payloadDocTitle:
			c.DocTitle = val.GetStringValue()
		case payloadSourceURI:
			c.SourceURI = val.GetStringValue()
		case payloadChunkIndex:
			c.ChunkIndex = int(val.GetIntegerValue())
		case payloadSectionPath:
			for _, lv := range val.GetListValue().GetValues() {
				c.SectionPath = append(c.SectionPath, lv.GetStringValue())
			}
		}
	}
	return c
}

func hitFromPoint(p *pb.ScoredPoint) domain.Hit {
	return domain.Hit{
		Chunk: chunkFromPayload(p.GetId().GetUuid(), p.GetPayload()),
		Score: float64(p.GetScore()),
	}
}
