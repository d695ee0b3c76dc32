// Package uid implements the BiDiB 7-byte node identifier.
package uid

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the length in bytes of a full UID.
const Size = 7

// ErrShortUID is returned when fewer than Size bytes are available to parse.
var ErrShortUID = errors.New("uid: need 7 bytes")

// UID is the BiDiB node identifier: {class, xclass, manufacturer, product, serial[3]}.
// Class bits can legitimately change across firmware updates, which is why
// comparisons that should survive a firmware update use Short instead of ==.
type UID struct {
	Class        byte
	XClass       byte
	Manufacturer byte
	Product      byte
	Serial       [3]byte
}

// Parse reads a UID from the first Size bytes of b.
func Parse(b []byte) (UID, error) {
	var u UID
	if len(b) < Size {
		return u, ErrShortUID
	}
	u.Class = b[0]
	u.XClass = b[1]
	u.Manufacturer = b[2]
	u.Product = b[3]
	copy(u.Serial[:], b[4:7])
	return u, nil
}

// Bytes serialises the UID to its 7-byte wire form.
func (u UID) Bytes() []byte {
	return []byte{u.Class, u.XClass, u.Manufacturer, u.Product, u.Serial[0], u.Serial[1], u.Serial[2]}
}

// Short returns the manufacturer/product/serial portion used for
// firmware-update-resilient identity comparisons (ignores class, xclass).
type Short [5]byte

// Short returns the short form of u.
func (u UID) Short() Short {
	return Short{u.Manufacturer, u.Product, u.Serial[0], u.Serial[1], u.Serial[2]}
}

// String renders the UID as a hex string, used as the .ini section-name
// suffix for persisted virtual-node and trusted-client records.
func (u UID) String() string {
	return hex.EncodeToString(u.Bytes())
}

// ParseString parses the hex form produced by String.
func ParseString(s string) (UID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return UID{}, fmt.Errorf("uid: %w", err)
	}
	return Parse(b)
}

// Root computes the fixed root-node UID from a hardware serial number and
// product/manufacturer codes supplied by the caller (the command-station
// firmware build). class/xclass are always 0 for a freshly commissioned
// root node.
func Root(manufacturer, product byte, hwSerial [3]byte) UID {
	return UID{
		Manufacturer: manufacturer,
		Product:      product,
		Serial:       hwSerial,
	}
}
