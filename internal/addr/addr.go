// Package addr defines the two-byte node address used throughout DICe.
package addr

import "fmt"

// Addr identifies a node on the shared radio medium. Zero is never a valid
// address for a live node; it is reserved to mean "unset".
type Addr uint16

// Zero is the unset/invalid address.
const Zero Addr = 0

func (a Addr) String() string {
	return fmt.Sprintf("node-%d", uint16(a))
}

// Valid reports whether a is a usable node address.
func (a Addr) Valid() bool {
	return a != Zero
}
