// affinity_linux.go - Linux thread placement via sched_setaffinity(2)

//go:build linux

package tile

import "golang.org/x/sys/unix"

// setAffinity pins the calling OS thread to cpu.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

func gettid() int { return unix.Gettid() }
