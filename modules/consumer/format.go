package consumer

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rillstream/rill/pkg/ingest"
)

func formatPartition(p int32) string {
	return strconv.FormatInt(int64(p), 10)
}

// formatOffsets renders an offset map deterministically for logging.
func formatOffsets(offsets ingest.Offsets) string {
	parts := make([]string, 0, len(offsets))
	for tp, offset := range offsets {
		parts = append(parts, tp.String()+"="+strconv.FormatInt(offset, 10))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
