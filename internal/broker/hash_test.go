package broker

import "testing"

func TestShardPinnedValue(t *testing.T) {
	// Σord("eve") = 101+118+101 = 320; 320 mod 41 = 33; 33 mod 3 = 0.
	if got := Shard("eve", 3); got != 0 {
		t.Fatalf("Shard(%q, 3) = %d, want 0", "eve", got)
	}
}

func TestShardWithinRange(t *testing.T) {
	for _, name := range []string{"alice", "bob", "carol", "dave", "eve"} {
		for n := 1; n <= 8; n++ {
			s := Shard(name, n)
			if s < 0 || s >= n {
				t.Errorf("Shard(%q, %d) = %d, out of range", name, n, s)
			}
		}
	}
}

func TestShardIsStable(t *testing.T) {
	if Shard("alice", 5) != Shard("alice", 5) {
		t.Fatal("Shard must be a pure function of its inputs")
	}
}
