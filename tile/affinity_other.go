// affinity_other.go - placement is advisory where the kernel has no affinity API

//go:build !linux

package tile

func setAffinity(cpu int) error { return nil }

func gettid() int { return 0 }
