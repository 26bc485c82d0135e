package ingestsrv

import "testing"

func TestChunkDedupTracksPerArtifactIndex(t *testing.T) {
	d := NewChunkDedup()
	if d.AlreadyReceived("a1", 0) {
		t.Fatal("fresh dedup must report unseen")
	}
	d.MarkReceived("a1", 0)
	if !d.AlreadyReceived("a1", 0) {
		t.Fatal("marked chunk must report seen")
	}
	if d.AlreadyReceived("a1", 1) {
		t.Fatal("a different chunk index must not be seen")
	}
	if d.AlreadyReceived("a2", 0) {
		t.Fatal("a different artifact must not share dedup state")
	}
}

func TestChunkDedupForgetClearsArtifact(t *testing.T) {
	d := NewChunkDedup()
	d.MarkReceived("a1", 0)
	d.MarkReceived("a1", 1)
	d.Forget("a1")
	if d.AlreadyReceived("a1", 0) {
		t.Fatal("forgotten artifact must report all chunks unseen")
	}
}
