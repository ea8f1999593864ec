package mux

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemux/frag"
	"tilemux/fseq"
)

func TestRotationServesEveryReadyInput(t *testing.T) {
	f := newFixture(t)
	var ins []In
	var ps []*producer
	for o := uint16(0); o < 3; o++ {
		in, p := f.input(16, o)
		ins = append(ins, in)
		ps = append(ps, p)
	}
	out := f.mcache(64)
	e := booted(t, baseConfig(f.cnc(), out, ins...))

	for k := uint64(0); k < 10; k++ {
		for _, p := range ps {
			p.publish(k)
		}
	}
	stepN(t, e, 30)

	got := drain(t, out, 0)
	require.Len(t, got, 30)
	for i := 0; i+3 <= len(got); i++ {
		window := map[uint16]bool{}
		for _, m := range got[i : i+3] {
			window[m.Orig()] = true
		}
		assert.Len(t, window, 3, "outputs %d..%d skipped a ready input", i, i+2)
	}
}

func TestRotationSkipsIdleInputs(t *testing.T) {
	f := newFixture(t)
	in0, p0 := f.input(16, 0)
	in1, _ := f.input(16, 1)
	in2, p2 := f.input(16, 2)
	out := f.mcache(16)
	e := booted(t, baseConfig(f.cnc(), out, in0, in1, in2))

	for k := uint64(0); k < 4; k++ {
		p0.publish(k)
		p2.publish(k)
	}
	stepN(t, e, 8)

	got := drain(t, out, 0)
	require.Len(t, got, 8, "an idle input must not cost a loop iteration")
	for i, m := range got {
		assert.Equal(t, uint16(2*(i%2)), m.Orig())
	}
}

// TestPerOriginOrderUnderRandomInterleaving drives producers and the loop in
// a random interleaving. Producers respect the loop's published input
// positions, so nothing is lost and every origin must come out complete and
// in order.
func TestPerOriginOrderUnderRandomInterleaving(t *testing.T) {
	for seed := uint64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			const perInput = 40
			rng := rand.New(rand.NewPCG(seed, seed))
			f := newFixture(t)

			nIn := 1 + int(seed%4)
			var ins []In
			var ps []*producer
			for o := 0; o < nIn; o++ {
				in, p := f.input(8, uint16(o))
				ins = append(ins, in)
				ps = append(ps, p)
			}
			out := f.mcache(16)
			consumer := f.fseq(0)
			cfg := baseConfig(f.cnc(), out, ins...)
			cfg.OutFSeqs = []*fseq.FSeq{consumer}
			cfg.Seed = seed
			e := booted(t, cfg)

			next := make([]uint64, nIn)
			var outSeq uint64
			var total int
			for iter := 0; total < nIn*perInput; iter++ {
				require.Less(t, iter, 100_000, "no progress")
				if rng.IntN(2) == 0 {
					o := rng.IntN(nIn)
					p := ps[o]
					if p.seq < perInput && p.seq-ins[o].FSeq.Query() < 8 {
						p.publish(p.seq)
					}
					continue
				}
				stepN(t, e, 1)
				for {
					var m frag.Meta
					if err := out.Read(outSeq, &m); err != nil {
						break
					}
					o := m.Orig()
					require.Equal(t, next[o], m.Sig, "origin %d reordered", o)
					next[o]++
					outSeq++
					total++
				}
				if rng.IntN(3) == 0 {
					consumer.Update(outSeq)
				}
			}
			for o := range next {
				assert.Equal(t, uint64(perInput), next[o])
			}
		})
	}
}
