package api

import (
	"fmt"
	"testing"
)

func TestGenerationStoreEvictsOldest(t *testing.T) {
	t.Parallel()
	s := NewGenerationStoreSize(2)
	for i := range 3 {
		s.Save(GenerateResponse{ID: fmt.Sprintf("gen_%d", i)}, nil)
	}
	if _, ok := s.Get("gen_0"); ok {
		t.Fatal("oldest generation was not evicted")
	}
	for _, id := range []string{"gen_1", "gen_2"} {
		if _, ok := s.Get(id); !ok {
			t.Fatalf("%s missing", id)
		}
	}

	no := false
	s.Save(GenerateResponse{ID: "gen_3"}, &no)
	if _, ok := s.Get("gen_3"); ok {
		t.Fatal("store=false generation was saved")
	}
	if !s.Delete("gen_1") || s.Delete("gen_1") {
		t.Fatal("Delete should succeed once")
	}
}
