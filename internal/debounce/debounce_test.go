package debounce

import (
	"math/rand"
	"testing"
)

func TestFirstStableLevelSeedsSilently(t *testing.T) {
	f := New(1, 4)
	for i := 0; i < 10; i++ {
		if _, changed := f.Sample(0, true); changed {
			t.Fatalf("sample %d: unexpected transition while seeding", i)
		}
	}
	level, known := f.Level(0)
	if !known || !level {
		t.Errorf("expected seeded high, got level=%v known=%v", level, known)
	}
}

func TestNotKnownBeforeThreshold(t *testing.T) {
	f := New(1, 4)
	f.Sample(0, true)
	f.Sample(0, true)
	f.Sample(0, true)
	if _, known := f.Level(0); known {
		t.Error("level should be unknown before threshold samples")
	}
	if f.Known() {
		t.Error("Known() should be false")
	}
}

func TestRisingEdgeAfterThreshold(t *testing.T) {
	f := New(4, 4)
	for i := 0; i < 4; i++ {
		f.Sample(3, false)
	}

	var emitted []int
	for i, raw := range []bool{true, true, true, true, true} {
		if level, changed := f.Sample(3, raw); changed {
			if !level {
				t.Errorf("sample %d: expected rising edge", i)
			}
			emitted = append(emitted, i)
		}
	}
	if len(emitted) != 1 || emitted[0] != 3 {
		t.Errorf("expected one transition on the 4th sample, got %v", emitted)
	}
}

func TestGlitchRejected(t *testing.T) {
	f := New(1, 3)
	for i := 0; i < 3; i++ {
		f.Sample(0, false)
	}
	seq := []bool{true, true, false, true, true, false, true}
	for i, raw := range seq {
		if _, changed := f.Sample(0, raw); changed {
			t.Errorf("sample %d: glitch produced a transition", i)
		}
	}
	if level, _ := f.Level(0); level {
		t.Error("level should still be low")
	}
}

func TestThresholdOne(t *testing.T) {
	f := New(1, 0)
	if f.Threshold() != 1 {
		t.Fatalf("threshold clamped to %d", f.Threshold())
	}
	f.Sample(0, false)
	if _, changed := f.Sample(0, true); !changed {
		t.Error("threshold 1 should follow every change")
	}
}

func TestSampleWord(t *testing.T) {
	f := New(32, 2)
	f.SampleWord(16, 0x0000, nil)
	f.SampleWord(16, 0x0000, nil)

	var out []Transition
	out = f.SampleWord(16, 0x8001, out)
	if len(out) != 0 {
		t.Fatalf("one sample should not commit, got %v", out)
	}
	out = f.SampleWord(16, 0x8001, out)
	if len(out) != 2 {
		t.Fatalf("expected 2 transitions, got %v", out)
	}
	if out[0] != (Transition{Channel: 16, Level: true}) || out[1] != (Transition{Channel: 31, Level: true}) {
		t.Errorf("unexpected transitions %v", out)
	}
}

// For random sample sequences, every transition is preceded by at least
// threshold identical samples and levels strictly alternate.
func TestPropertyStableAndAlternating(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, n := range []int{1, 2, 4, 7} {
		for trial := 0; trial < 200; trial++ {
			f := New(1, n)
			run, prevRaw := 0, false
			var last *bool
			for i := 0; i < 200; i++ {
				// bias toward runs so transitions actually happen
				raw := prevRaw
				if rng.Intn(4) == 0 {
					raw = !raw
				}
				if i == 0 || raw != prevRaw {
					run = 1
				} else {
					run++
				}
				prevRaw = raw

				level, changed := f.Sample(0, raw)
				if !changed {
					continue
				}
				if run < n {
					t.Fatalf("n=%d: transition after %d stable samples", n, run)
				}
				if level != raw {
					t.Fatalf("n=%d: committed %v but sample was %v", n, level, raw)
				}
				if last != nil && *last == level {
					t.Fatalf("n=%d: two consecutive transitions to %v", n, level)
				}
				l := level
				last = &l
			}
		}
	}
}

func TestReset(t *testing.T) {
	f := New(1, 1)
	f.Sample(0, true)
	f.Reset()
	if _, known := f.Level(0); known {
		t.Error("reset should forget level")
	}
}
