package modbus

import (
	"fmt"
	"strconv"
	"strings"
)

type RegisterType string

const (
	Holding  RegisterType = "holding"
	Input    RegisterType = "input"
	Coil     RegisterType = "coil"
	Discrete RegisterType = "discrete"
)

// Address is a resolved zero-based Modbus address.
type Address struct {
	Type   RegisterType
	Offset uint16
	// Words is 2 for 32-bit values spread over two registers.
	Words uint16
}

// ParseAddress accepts either Modicon notation (00001, 10001, 30001,
// 40001 ranges) or a zero-based offset combined with registerType.
// registerType may carry a width suffix, e.g. "holding32".
func ParseAddress(addr, registerType string) (Address, error) {
	addr = strings.TrimSpace(addr)
	n, err := strconv.ParseUint(addr, 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("modbus address %q: %w", addr, err)
	}

	rt := strings.ToLower(strings.TrimSpace(registerType))
	words := uint16(1)
	if strings.HasSuffix(rt, "32") {
		words = 2
		rt = strings.TrimSuffix(rt, "32")
	}

	out := Address{Words: words}
	if len(addr) == 5 && rt == "" {
		switch {
		case n >= 40001 && n <= 49999:
			out.Type, out.Offset = Holding, uint16(n-40001)
		case n >= 30001 && n <= 39999:
			out.Type, out.Offset = Input, uint16(n-30001)
		case n >= 10001 && n <= 19999:
			out.Type, out.Offset = Discrete, uint16(n-10001)
		case n >= 1 && n <= 9999:
			out.Type, out.Offset = Coil, uint16(n-1)
		default:
			return Address{}, fmt.Errorf("modbus address %q outside Modicon ranges", addr)
		}
		return out, nil
	}

	if n > 0xFFFF {
		return Address{}, fmt.Errorf("modbus address %q exceeds 65535", addr)
	}
	out.Offset = uint16(n)
	switch RegisterType(rt) {
	case "", Holding:
		out.Type = Holding
	case Input, Coil, Discrete:
		out.Type = RegisterType(rt)
	default:
		return Address{}, fmt.Errorf("modbus register type %q unknown", registerType)
	}
	if words == 2 && (out.Type == Coil || out.Type == Discrete) {
		return Address{}, fmt.Errorf("modbus register type %q cannot be 32-bit", registerType)
	}
	return out, nil
}

func (a Address) Writable() bool {
	return a.Type == Holding || a.Type == Coil
}
