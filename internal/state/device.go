package state

import (
	"time"

	"github.com/juju/errors"

	"github.com/mlutra/fieldgate/helpers"
	"github.com/mlutra/fieldgate/internal/types"
)

const DefaultPollInterval = time.Second

// DeviceList builds validated descriptors for every configured device.
// Serial devices inherit their bus line parameters here so the poller
// never consults bus config at runtime.
func (c *Config) DeviceList() ([]types.DeviceDescriptor, error) {
	out := make([]types.DeviceDescriptor, 0, len(c.Devices))
	seen := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		dc := &c.Devices[i]
		if _, ok := seen[dc.ID]; ok {
			return nil, errors.NotValidf("device=%s duplicate id", dc.ID)
		}
		seen[dc.ID] = struct{}{}
		d, err := c.device(dc)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Config) device(dc *DeviceConfig) (types.DeviceDescriptor, error) {
	d := types.DeviceDescriptor{
		ID:       dc.ID,
		Name:     dc.Name,
		Interval: helpers.IntMillisecondDefault(dc.IntervalMs, DefaultPollInterval),
		Enabled:  !dc.Disabled,
	}
	if d.Name == "" {
		d.Name = d.ID
	}

	var err error
	if d.Transport, err = parseTransport(dc.Transport); err != nil {
		return d, errors.Annotatef(err, "device=%s", dc.ID)
	}
	switch d.Transport {
	case types.TransportSerial:
		bus, ok := c.Bus(dc.Bus)
		if !ok {
			return d, errors.NotFoundf("device=%s serial_bus=%s", dc.ID, dc.Bus)
		}
		if dc.Addr < 1 || dc.Addr > 247 {
			return d, errors.NotValidf("device=%s addr=%d", dc.ID, dc.Addr)
		}
		d.Bus = bus.Name
		d.PeerAddr = uint8(dc.Addr)
		d.Line = types.LineParams{
			Baud:     intDefault(bus.Baud, 9600),
			DataBits: intDefault(bus.DataBits, 8),
			Parity:   stringDefault(bus.Parity, "N"),
			StopBits: intDefault(bus.StopBits, 1),
		}
	case types.TransportTCP:
		d.Endpoint = dc.Endpoint
		d.UnitID = uint8(dc.UnitID)
	}

	d.Registers = make([]types.RegisterDescriptor, 0, len(dc.Registers))
	for i := range dc.Registers {
		r, err := register(&dc.Registers[i])
		if err != nil {
			return d, errors.Annotatef(err, "device=%s", dc.ID)
		}
		d.Registers = append(d.Registers, r)
	}
	return d, errors.Trace(d.Validate())
}

func register(rc *RegisterConfig) (types.RegisterDescriptor, error) {
	r := types.RegisterDescriptor{
		ID:          rc.ID,
		Name:        rc.Name,
		Address:     uint16(rc.Address),
		Scale:       rc.Scale,
		Offset:      rc.Offset,
		Unit:        rc.Unit,
		Description: rc.Description,
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if rc.Address < 0 || rc.Address > 0xffff {
		return r, errors.NotValidf("register=%s address=%d", rc.ID, rc.Address)
	}

	var err error
	if r.Function, err = parseFunction(rc.Function); err != nil {
		return r, errors.Annotatef(err, "register=%s", rc.ID)
	}
	if r.Type, err = parseDataType(rc.Type); err != nil {
		return r, errors.Annotatef(err, "register=%s", rc.ID)
	}
	if r.Order, err = parseByteOrder(rc.Order); err != nil {
		return r, errors.Annotatef(err, "register=%s", rc.ID)
	}
	r.Words = uint8(rc.Words)
	if r.Words == 0 {
		r.Words = defaultWords(r.Type)
	}
	return r, nil
}

func defaultWords(dt types.DataType) uint8 {
	switch dt {
	case types.U16, types.S16:
		return 1
	case types.U32, types.S32, types.F32:
		return 2
	}
	return 4
}

func parseTransport(s string) (types.TransportKind, error) {
	switch s {
	case "serial", "rtu":
		return types.TransportSerial, nil
	case "tcp":
		return types.TransportTCP, nil
	}
	return 0, errors.NotValidf("transport=%s", s)
}

func parseFunction(s string) (types.FunctionKind, error) {
	switch s {
	case "", "holding":
		return types.FuncHolding, nil
	case "input":
		return types.FuncInput, nil
	case "coil":
		return types.FuncCoil, nil
	case "discrete":
		return types.FuncDiscrete, nil
	}
	return 0, errors.NotValidf("function=%s", s)
}

func parseDataType(s string) (types.DataType, error) {
	switch s {
	case "", "u16":
		return types.U16, nil
	case "s16":
		return types.S16, nil
	case "u32":
		return types.U32, nil
	case "s32":
		return types.S32, nil
	case "f32":
		return types.F32, nil
	case "u64":
		return types.U64, nil
	case "s64":
		return types.S64, nil
	case "f64":
		return types.F64, nil
	}
	return 0, errors.NotValidf("type=%s", s)
}

func parseByteOrder(s string) (types.ByteOrder, error) {
	switch s {
	case "", "big":
		return types.OrderBig, nil
	case "little":
		return types.OrderLittle, nil
	case "big_swap":
		return types.OrderBigSwap, nil
	case "little_swap":
		return types.OrderLittleSwap, nil
	}
	return 0, errors.NotValidf("order=%s", s)
}

func intDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func stringDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
