package slot

import (
	"testing"
)

func TestGridLayout(t *testing.T) {
	g := NewGrid(4, 8)

	if g.Queues() != 4 || g.Depth() != 8 || g.Len() != 32 {
		t.Fatalf("unexpected geometry: queues=%d depth=%d len=%d",
			g.Queues(), g.Depth(), g.Len())
	}

	// Slot coordinates are stamped at construction
	for q := 0; q < 4; q++ {
		for d := 0; d < 8; d++ {
			s := g.Slot(q, d)
			if s.Queue != q || s.Depth != d {
				t.Fatalf("slot (%d,%d) carries coordinates (%d,%d)", q, d, s.Queue, s.Depth)
			}
			if s.State() != Free {
				t.Fatalf("slot (%d,%d) not free at start", q, d)
			}
		}
	}

	// Same coordinates, same slot
	if g.Slot(2, 3) != g.Slot(2, 3) {
		t.Error("Slot should return a stable pointer")
	}
	if g.Index(2, 3) != 2*8+3 {
		t.Errorf("Index(2,3) = %d, want %d", g.Index(2, 3), 2*8+3)
	}
}

func TestBindRelease(t *testing.T) {
	g := NewGrid(1, 2)
	s := g.Slot(0, 0)

	req := struct{ id int }{42}
	if err := s.Bind(req, 0x100, 8); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if s.State() != Submitted {
		t.Errorf("expected submitted state, got %v", s.State())
	}
	if s.LBA() != 0x100 || s.Blocks() != 8 {
		t.Errorf("expected lba=0x100 nlb=8, got lba=%#x nlb=%d", s.LBA(), s.Blocks())
	}
	if s.Request() != req {
		t.Error("Request should return the bound handle")
	}

	// Double bind is a bug
	if err := s.Bind(req, 0x200, 8); err == nil {
		t.Error("Bind on an occupied slot should fail")
	}

	s.Release()
	if s.State() != Free {
		t.Errorf("expected free state after release, got %v", s.State())
	}
	if s.Request() != nil {
		t.Error("Release should clear the request handle")
	}

	// Slot is reusable after release
	if err := s.Bind(req, 0x200, 4); err != nil {
		t.Errorf("Bind after release failed: %v", err)
	}
}

func TestAttachBuffers(t *testing.T) {
	g := NewGrid(2, 2)

	bufs := make([][]byte, 4)
	for i := range bufs {
		bufs[i] = make([]byte, 512)
	}
	if err := g.AttachBuffers(bufs); err != nil {
		t.Fatalf("AttachBuffers failed: %v", err)
	}

	// Each slot owns the buffer at its flat index
	for q := 0; q < 2; q++ {
		for d := 0; d < 2; d++ {
			if &g.Slot(q, d).Buf[0] != &bufs[g.Index(q, d)][0] {
				t.Errorf("slot (%d,%d) holds the wrong buffer", q, d)
			}
		}
	}

	if err := g.AttachBuffers(bufs[:3]); err == nil {
		t.Error("AttachBuffers should reject a short buffer list")
	}
}

func TestStateString(t *testing.T) {
	if Free.String() != "free" || Submitted.String() != "submitted" {
		t.Errorf("unexpected state names: %s, %s", Free, Submitted)
	}
}
