package delivery

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// ObjectKey names the object a segment is written to. The key depends only
// on the segment, so every retry of the same segment targets the same object.
func ObjectKey(prefix, channel string, sealedAt time.Time, segmentID, compression string) string {
	sealedAt = sealedAt.UTC()
	name := fmt.Sprintf("%s-%d-%s.jsonl", channel, sealedAt.UnixMilli(), segmentID)
	if compression == CompressionGzip {
		name += ".gz"
	}
	return path.Join(
		strings.Trim(prefix, "/"),
		channel,
		sealedAt.Format("2006/01/02/15"),
		name,
	)
}
