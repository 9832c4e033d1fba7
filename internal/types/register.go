package types

import "fmt"

type FunctionKind uint8

const (
	FuncHolding FunctionKind = iota
	FuncInput
	FuncCoil
	FuncDiscrete
)

func (fk FunctionKind) String() string {
	switch fk {
	case FuncHolding:
		return "holding"
	case FuncInput:
		return "input"
	case FuncCoil:
		return "coil"
	case FuncDiscrete:
		return "discrete"
	}
	return fmt.Sprintf("FunctionKind(%d)", uint8(fk))
}

type DataType uint8

const (
	U16 DataType = iota
	S16
	U32
	S32
	F32
	U64
	S64
	F64
)

// ByteOrder selects word/byte arrangement for multi-word registers.
type ByteOrder uint8

const (
	OrderBig        ByteOrder = iota // high word first
	OrderLittle                      // low word first
	OrderBigSwap                     // high word first, bytes swapped within word
	OrderLittleSwap                  // low word first, bytes swapped within word
)

// RegisterDescriptor is immutable for the duration of one poll cycle.
type RegisterDescriptor struct {
	ID          string
	Name        string
	Address     uint16
	Function    FunctionKind
	Words       uint8 // 1, 2 or 4 transport words
	Type        DataType
	Order       ByteOrder
	Scale       float64
	Offset      float64
	Unit        string
	Description string
}

func (r *RegisterDescriptor) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("register id is empty")
	}
	switch r.Words {
	case 1, 2, 4: // ok
	default:
		return fmt.Errorf("register=%s width=%d words not supported", r.ID, r.Words)
	}
	if int(r.Address)+int(r.Words) > 0x10000 {
		return fmt.Errorf("register=%s address=%d width=%d overflows address space", r.ID, r.Address, r.Words)
	}
	return nil
}

// Calibrate applies scale and offset to a decoded raw value.
// Zero scale means "not configured" and is treated as 1.
func (r *RegisterDescriptor) Calibrate(raw float64) float64 {
	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + r.Offset
}
