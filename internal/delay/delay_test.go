package delay

import (
	"math/rand"
	"testing"
	"time"

	"taosim-validator/pkg/types"
)

func testParams() Params {
	return Params{
		MinDelay:            100 * time.Millisecond,
		MaxDelay:            2 * time.Second,
		MinInstructionDelay: 0,
		MaxInstructionDelay: 50 * time.Millisecond,
		Timeout:             time.Second,
	}
}

func TestBaseDelayBounds(t *testing.T) {
	p := testParams()

	if got := BaseDelay(0, p); got != p.MinDelay {
		t.Fatalf("zero process time: expected min delay %v, got %v", p.MinDelay, got)
	}
	if got := BaseDelay(p.Timeout, p); got != p.MaxDelay {
		t.Fatalf("timeout process time: expected max delay %v, got %v", p.MaxDelay, got)
	}
}

func TestBaseDelayMonotonic(t *testing.T) {
	p := testParams()

	prev := BaseDelay(0, p)
	for _, ms := range []int{100, 300, 500, 700, 900, 1000} {
		got := BaseDelay(time.Duration(ms)*time.Millisecond, p)
		if got < prev {
			t.Fatalf("expected monotonic non-decreasing delay, got %v after %v at %dms", got, prev, ms)
		}
		prev = got
	}
}

func TestAssignJitterFirstInstructionPerBookIsZero(t *testing.T) {
	p := testParams()
	rng := rand.New(rand.NewSource(1))

	instructions := []types.Instruction{
		{BookID: 1},
		{BookID: 1},
		{BookID: 2},
		{BookID: 1},
	}

	base := 200 * time.Millisecond
	AssignJitter(instructions, base, p, rng)

	if instructions[0].Delay != uint64(base) {
		t.Fatalf("expected first instruction for book 1 to have zero jitter, got delay %d base %d", instructions[0].Delay, uint64(base))
	}
	if instructions[2].Delay != uint64(base) {
		t.Fatalf("expected first instruction for book 2 to have zero jitter, got delay %d base %d", instructions[2].Delay, uint64(base))
	}
	if instructions[1].Delay < uint64(base) {
		t.Fatalf("expected second instruction for book 1 to have base+jitter >= base, got %d", instructions[1].Delay)
	}
}

func TestAssignJitterWithinBounds(t *testing.T) {
	p := testParams()
	rng := rand.New(rand.NewSource(7))

	instructions := make([]types.Instruction, 20)
	for i := range instructions {
		instructions[i].BookID = 1
	}

	base := 300 * time.Millisecond
	AssignJitter(instructions, base, p, rng)

	for i, instr := range instructions {
		if i == 0 {
			continue
		}
		jitter := time.Duration(instr.Delay) - base
		if jitter < p.MinInstructionDelay || jitter > p.MaxInstructionDelay {
			t.Fatalf("instruction %d jitter %v out of bounds [%v,%v]", i, jitter, p.MinInstructionDelay, p.MaxInstructionDelay)
		}
	}
}

func TestAssignAllDeterministicWithSeed(t *testing.T) {
	p := testParams()
	instructions := func() []types.Instruction {
		return []types.Instruction{{BookID: 1}, {BookID: 1}, {BookID: 1}}
	}

	a := instructions()
	AssignAll(a, 400*time.Millisecond, p, rand.New(rand.NewSource(42)))

	b := instructions()
	AssignAll(b, 400*time.Millisecond, p, rand.New(rand.NewSource(42)))

	for i := range a {
		if a[i].Delay != b[i].Delay {
			t.Fatalf("expected deterministic delay at index %d, got %d vs %d", i, a[i].Delay, b[i].Delay)
		}
	}
}
