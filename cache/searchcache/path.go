package searchcache

import (
	"strconv"
	"strings"
)

// expandMask replaces every literal digit 0-9 of the mask with the hex
// digest character at that offset and substitutes the "{Index}" and
// "{LastUpdateTime}" tokens verbatim (digits inside a substituted value are
// not converted). Other characters (typically "/" separators) pass through
// unchanged.
func expandMask(mask, hexDigest, indexName string, lastUpdateTime int64) string {
	var b strings.Builder
	for i := 0; i < len(mask); i++ {
		r := mask[i]
		switch {
		case strings.HasPrefix(mask[i:], "{Index}"):
			b.WriteString(indexName)
			i += len("{Index}") - 1
		case strings.HasPrefix(mask[i:], "{LastUpdateTime}"):
			b.WriteString(strconv.FormatInt(lastUpdateTime, 10))
			i += len("{LastUpdateTime}") - 1
		case r >= '0' && r <= '9' && int(r-'0') < len(hexDigest):
			b.WriteByte(hexDigest[r-'0'])
		default:
			b.WriteByte(r)
		}
	}
	return b.String()
}

// recordPath returns the root-relative path of the cache file for an
// artifact keyed by hexDigest. An empty mask stores the file directly
// under root.
func recordPath(mask, hexDigest, indexName string, lastUpdateTime int64) string {
	sub := expandMask(mask, hexDigest, indexName, lastUpdateTime)
	sub = strings.Trim(sub, "/")
	if sub == "" {
		return hexDigest + ".cah"
	}
	return sub + "/" + hexDigest + ".cah"
}
