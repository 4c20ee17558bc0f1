package types

import (
	"strings"

	"github.com/spaolacci/murmur3"
)

// BucketFor routes a row's primary-key values to a hash bucket in
// [0, numBuckets). Writers and compactors must agree on this routing so that
// files for the same keys land in the same bucket across commits.
// Returns 0 when bucketing is disabled (numBuckets <= 1).
func BucketFor(keyValues []string, numBuckets int) int {
	if numBuckets <= 1 {
		return 0
	}
	h := murmur3.Sum32([]byte(strings.Join(keyValues, "\x00")))
	return int(h % uint32(numBuckets))
}
