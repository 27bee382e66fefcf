package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// ChunkID derives a stable chunk identity from the document URI and chunk
// index, so re-ingesting a document overwrites its previous chunks instead
// of accumulating duplicates.
func ChunkID(uri string, idx int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri+"#"+strconv.Itoa(idx))).String()
}
