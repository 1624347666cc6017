// Package hashroute pins MQTT topics to a fixed set of worker partitions so
// that publishes for one topic are processed in arrival order.
package hashroute

import (
	"hash/fnv"
	"strings"
)

const PartitionCount = 25

// CanonicalizeTopic trims surrounding whitespace and any trailing level
// separator. Topic names are case sensitive and keep their case.
func CanonicalizeTopic(topic string) string {
	t := strings.TrimSpace(topic)
	if len(t) > 1 {
		t = strings.TrimRight(t, "/")
	}
	return t
}

func PartitionForTopic(topic string) int {
	return partition(CanonicalizeTopic(topic), PartitionCount)
}

// PartitionN is PartitionForTopic over an arbitrary partition count. Counts
// below one collapse to a single partition.
func PartitionN(topic string, n int) int {
	if n < 1 {
		return 0
	}
	return partition(CanonicalizeTopic(topic), n)
}

func partition(key string, n int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}
