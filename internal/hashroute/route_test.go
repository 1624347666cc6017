package hashroute

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func TestPartitionForTopicDeterministic(t *testing.T) {
	topics := []string{"sensors/a/temp", "  sensors/a/temp ", "sensors/a/temp/", "$SYS/broker/uptime", "a"}
	for _, topic := range topics {
		p1 := PartitionForTopic(topic)
		p2 := PartitionForTopic(topic)
		if p1 != p2 {
			t.Fatalf("partition should be deterministic for %q", topic)
		}
		if p1 < 0 || p1 >= PartitionCount {
			t.Fatalf("partition out of range for %q: %d", topic, p1)
		}
	}
	if PartitionForTopic("sensors/a/temp") != PartitionForTopic(" sensors/a/temp/") {
		t.Fatalf("canonical forms should share a partition")
	}
}

func TestCanonicalizeTopicEdgeCases(t *testing.T) {
	cases := map[string]string{
		"  a/b  ":   "a/b",
		"":          "",
		"/":         "/",
		"a/b//":     "a/b",
		"MiXeD/Top": "MiXeD/Top",
		" üñî/çø ":  "üñî/çø",
	}
	for in, want := range cases {
		if got := CanonicalizeTopic(in); got != want {
			t.Fatalf("canonicalize(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestPartitionRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string) bool {
		p := PartitionForTopic(s)
		return p >= 0 && p < PartitionCount
	}, cfg); err != nil {
		t.Fatalf("partition property failed: %v", err)
	}
}

func TestPartitionN(t *testing.T) {
	if got := PartitionN("a/b", 0); got != 0 {
		t.Fatalf("expected single partition for n=0, got %d", got)
	}
	if got := PartitionN("a/b", 1); got != 0 {
		t.Fatalf("expected 0 for n=1, got %d", got)
	}
	if PartitionN("a/b", PartitionCount) != PartitionForTopic("a/b") {
		t.Fatalf("PartitionN should agree with PartitionForTopic")
	}
}
