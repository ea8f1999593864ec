// relax_stub.go - spin hint fallback
//
// Targets without a dedicated hint, and builds with cgo or asm disabled, spin
// at full speed. The empty body inlines away.

//go:build (!amd64 && !arm64) || noasm || nocgo || !cgo

package tempo

//go:nosplit
//go:inline
func Relax() {}
