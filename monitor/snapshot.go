// Package monitor reads a workspace from outside the tiles that write it.
//
// Everything here is read-only and lock-free: a snapshot is a word-by-word
// copy of the directory objects, so counters from different objects may be
// from slightly different instants. Objects of unknown kind are listed by
// name and size only.
package monitor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"tilemux/cnc"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/tiles/cswitch"
	"tilemux/wksp"
)

// CNC is one command channel.
type CNC struct {
	Name      string   `json:"name"`
	Type      uint64   `json:"type"`
	Signal    string   `json:"signal"`
	Code      uint64   `json:"code"`
	Heartbeat int64    `json:"heartbeat"`
	Holder    uint64   `json:"holder"`
	App       []uint64 `json:"app"`
}

// FSeq is one position counter with its named diagnostics.
type FSeq struct {
	Name string            `json:"name"`
	Seq  uint64            `json:"seq"`
	Diag map[string]uint64 `json:"diag"`
}

// MCache is one ring and its published position.
type MCache struct {
	Name  string `json:"name"`
	Depth uint64 `json:"depth"`
	Seq   uint64 `json:"seq"`
}

// Object is any other directory entry.
type Object struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Size uint64 `json:"size"`
}

// Snapshot is a point-in-time copy of a workspace's observable state.
type Snapshot struct {
	Taken   time.Time     `json:"taken"`
	Path    string        `json:"path,omitempty"`
	Size    int           `json:"size"`
	Used    int           `json:"used"`
	CNCs    []CNC         `json:"cncs"`
	FSeqs   []FSeq        `json:"fseqs"`
	MCaches []MCache      `json:"mcaches"`
	Cswitch []cswitch.Row `json:"cswitch,omitempty"`
	Other   []Object      `json:"other,omitempty"`
}

// Take walks the directory of w. Objects that fail to join are reported as
// Other rather than failing the snapshot.
func Take(w *wksp.Wksp) Snapshot {
	s := Snapshot{Taken: time.Now(), Path: w.Path(), Size: w.Size(), Used: w.Used()}
	for _, e := range w.Entries() {
		_, b, err := w.Lookup(e.Name)
		if err != nil {
			s.other(e)
			continue
		}
		switch e.Kind {
		case wksp.KindCNC:
			c, err := cnc.Join(b)
			if err != nil {
				s.other(e)
				continue
			}
			sig := c.Query()
			app := c.App()
			words := make([]uint64, app.Len())
			for i := range words {
				words[i] = app.Load(i)
			}
			s.CNCs = append(s.CNCs, CNC{
				Name:      e.Name,
				Type:      c.Type(),
				Signal:    sig.String(),
				Code:      uint64(sig),
				Heartbeat: c.HeartbeatQuery(),
				Holder:    c.Holder(),
				App:       words,
			})
		case wksp.KindFSeq:
			f, err := fseq.Join(b)
			if err != nil {
				s.other(e)
				continue
			}
			diag := make(map[string]uint64, fseq.DiagCnt)
			for i := 0; i < fseq.DiagCnt; i++ {
				diag[fseq.DiagName(i)] = f.Diag(i)
			}
			s.FSeqs = append(s.FSeqs, FSeq{Name: e.Name, Seq: f.Query(), Diag: diag})
		case wksp.KindMCache:
			m, err := mcache.Join(b)
			if err != nil {
				s.other(e)
				continue
			}
			s.MCaches = append(s.MCaches, MCache{Name: e.Name, Depth: m.Depth(), Seq: m.SeqQuery()})
		case wksp.KindTable:
			t, err := cswitch.Join(b)
			if err != nil {
				s.other(e)
				continue
			}
			rows, err := t.Rows()
			if err != nil {
				s.other(e)
				continue
			}
			s.Cswitch = append(s.Cswitch, rows...)
		default:
			s.other(e)
		}
	}
	return s
}

func (s *Snapshot) other(e wksp.Entry) {
	s.Other = append(s.Other, Object{Name: e.Name, Kind: e.Kind.String(), Size: e.Size})
}

// JSON encodes the snapshot.
func (s Snapshot) JSON() ([]byte, error) {
	return sonnet.Marshal(s)
}

// WriteText prints the snapshot as aligned tables. The layout is stable and
// omits the capture time so output can be diffed.
func (s Snapshot) WriteText(out io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "wksp %s size=%d used=%d\n", orDash(s.Path), s.Size, s.Used)

	if len(s.CNCs) > 0 {
		fmt.Fprintf(&b, "\n%-20s %-8s %6s %20s  %s\n", "CNC", "SIGNAL", "TYPE", "HEARTBEAT", "APP")
		for _, c := range s.CNCs {
			fmt.Fprintf(&b, "%-20s %-8s %6d %20d  %s\n", c.Name, c.Signal, c.Type, c.Heartbeat, words(c.App))
		}
	}
	if len(s.FSeqs) > 0 {
		fmt.Fprintf(&b, "\n%-20s %12s", "FSEQ", "SEQ")
		for i := 0; i < fseq.DiagCnt; i++ {
			fmt.Fprintf(&b, " %10s", fseq.DiagName(i))
		}
		b.WriteByte('\n')
		for _, f := range s.FSeqs {
			fmt.Fprintf(&b, "%-20s %12d", f.Name, f.Seq)
			for i := 0; i < fseq.DiagCnt; i++ {
				fmt.Fprintf(&b, " %10d", f.Diag[fseq.DiagName(i)])
			}
			b.WriteByte('\n')
		}
	}
	if len(s.MCaches) > 0 {
		fmt.Fprintf(&b, "\n%-20s %8s %12s\n", "MCACHE", "DEPTH", "SEQ")
		for _, m := range s.MCaches {
			fmt.Fprintf(&b, "%-20s %8d %12d\n", m.Name, m.Depth, m.Seq)
		}
	}
	if len(s.Cswitch) > 0 {
		fmt.Fprintf(&b, "\n%-20s %8s %12s %12s\n", "TILE", "TID", "VOLUNTARY", "INVOLUNTARY")
		for _, r := range s.Cswitch {
			fmt.Fprintf(&b, "%-20s %8d %12d %12d\n", r.Name, r.Tid, r.Voluntary, r.Nonvoluntary)
		}
	}
	if len(s.Other) > 0 {
		fmt.Fprintf(&b, "\n%-20s %-8s %12s\n", "OBJECT", "KIND", "SIZE")
		for _, o := range s.Other {
			fmt.Fprintf(&b, "%-20s %-8s %12d\n", o.Name, o.Kind, o.Size)
		}
	}
	_, err := io.WriteString(out, b.String())
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func words(w []uint64) string {
	if len(w) == 0 {
		return "-"
	}
	parts := make([]string, len(w))
	for i, v := range w {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, " ")
}
