package reactor

import "golang.org/x/sys/unix"

// The handful of bit-twiddling helpers below stand in for the FD_SET/
// FD_CLR/FD_ISSET macros that x/sys/unix deliberately doesn't provide a Go
// equivalent for; this is the same trick jacobsa-fuse's syscall-facing
// code uses when a field x/sys only exposes as raw bits needs manual
// manipulation.

const fdSetWordBits = 64

func fdZero(set *unix.FdSet) {
	for i := range set.Bits {
		set.Bits[i] = 0
	}
}

func fdSet(fd int, set *unix.FdSet) {
	set.Bits[fd/fdSetWordBits] |= 1 << (uint(fd) % fdSetWordBits)
}

func fdIsSet(fd int, set *unix.FdSet) bool {
	return set.Bits[fd/fdSetWordBits]&(1<<(uint(fd)%fdSetWordBits)) != 0
}
