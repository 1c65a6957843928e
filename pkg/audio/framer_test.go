package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/glyphstudio/pkg/audio"
)

func TestFramer_EmitsFixedBlocks(t *testing.T) {
	t.Parallel()

	f := audio.NewFramer(4, 16000)

	if blocks := f.Push([]float32{1, 2, 3}); len(blocks) != 0 {
		t.Fatalf("got %d blocks from partial push, want 0", len(blocks))
	}
	if f.Buffered() != 3 {
		t.Fatalf("Buffered = %d, want 3", f.Buffered())
	}

	blocks := f.Push([]float32{4, 5, 6, 7, 8, 9})
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	want := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i, b := range blocks {
		for j := range want[i] {
			if b.Samples[j] != want[i][j] {
				t.Errorf("block %d sample %d: got %v, want %v", i, j, b.Samples[j], want[i][j])
			}
		}
	}
	if f.Buffered() != 1 {
		t.Errorf("Buffered = %d, want 1", f.Buffered())
	}
}

func TestFramer_Timestamps(t *testing.T) {
	t.Parallel()

	f := audio.NewFramer(8000, 16000)
	blocks := f.Push(make([]float32, 16000))
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].Timestamp != 0 {
		t.Errorf("block 0 timestamp = %v, want 0", blocks[0].Timestamp)
	}
	if blocks[1].Timestamp != 500*time.Millisecond {
		t.Errorf("block 1 timestamp = %v, want 500ms", blocks[1].Timestamp)
	}
}

func TestFramer_BlocksDoNotAlias(t *testing.T) {
	t.Parallel()

	f := audio.NewFramer(2, 16000)
	first := f.Push([]float32{1, 2})
	f.Push([]float32{3, 4})
	if first[0].Samples[0] != 1 || first[0].Samples[1] != 2 {
		t.Errorf("first block mutated: %v", first[0].Samples)
	}
}

func TestFramer_DefaultSize(t *testing.T) {
	t.Parallel()

	f := audio.NewFramer(0, 16000)
	if blocks := f.Push(make([]float32, audio.BlockSize)); len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
}
