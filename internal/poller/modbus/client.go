// Package modbus adapts goburrow/modbus client handlers to the poller's
// transport surface. Geometry only: requests are built from register
// descriptors, responses come back as raw transport words.
package modbus

import (
	"encoding/binary"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goburrow/modbus"
	"github.com/juju/errors"

	"github.com/mlutra/fieldgate/internal/types"
)

// TCPConn is one pooled Modbus TCP connection.
type TCPConn struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func DialTCP(endpoint string, timeout time.Duration) (*TCPConn, error) {
	h := modbus.NewTCPClientHandler(endpoint)
	h.Timeout = timeout
	if err := h.Connect(); err != nil {
		return nil, errors.Annotatef(err, "modbus tcp connect endpoint=%s", endpoint)
	}
	return &TCPConn{handler: h, client: modbus.NewClient(h)}, nil
}

// Prepare selects the unit id for the next reads. Devices sharing one
// endpoint differ only in unit id, the socket is reused.
func (c *TCPConn) Prepare(unitID uint8) { c.handler.SlaveId = unitID }

func (c *TCPConn) Read(reg *types.RegisterDescriptor) ([]uint16, error) {
	return read(c.client, reg)
}

func (c *TCPConn) Close() error { return c.handler.Close() }

// Bus is one shared serial line. All devices on the bus go through this
// handle strictly sequentially; the owning poll loop is the only caller.
type Bus struct {
	device   string
	timeout  time.Duration
	handler  *modbus.RTUClientHandler
	client   modbus.Client
	lastLine types.LineParams
}

func OpenBus(device string, timeout time.Duration) *Bus {
	return &Bus{device: device, timeout: timeout}
}

// Prepare applies line parameters lazily: the line is reconfigured only
// when the next device's settings differ from the last applied ones,
// avoiding redundant line resets.
func (b *Bus) Prepare(line types.LineParams, peer uint8) error {
	if b.handler != nil && b.lastLine.Equal(line) {
		b.handler.SlaveId = peer
		return nil
	}
	if b.handler != nil {
		_ = b.handler.Close()
		b.handler = nil
	}
	h := modbus.NewRTUClientHandler(b.device)
	h.BaudRate = line.Baud
	h.DataBits = line.DataBits
	h.Parity = line.Parity
	h.StopBits = line.StopBits
	h.SlaveId = peer
	h.Timeout = b.timeout
	if err := h.Connect(); err != nil {
		return errors.Annotatef(err, "modbus rtu connect device=%s baud=%d", b.device, line.Baud)
	}
	b.handler = h
	b.client = modbus.NewClient(h)
	b.lastLine = line
	return nil
}

func (b *Bus) Read(reg *types.RegisterDescriptor) ([]uint16, error) {
	if b.client == nil {
		return nil, errors.Errorf("modbus rtu device=%s not prepared", b.device)
	}
	return read(b.client, reg)
}

func (b *Bus) Close() error {
	if b.handler == nil {
		return nil
	}
	err := b.handler.Close()
	b.handler = nil
	b.client = nil
	return err
}

func read(client modbus.Client, reg *types.RegisterDescriptor) ([]uint16, error) {
	var raw []byte
	var err error
	switch reg.Function {
	case types.FuncHolding:
		raw, err = client.ReadHoldingRegisters(reg.Address, uint16(reg.Words))
	case types.FuncInput:
		raw, err = client.ReadInputRegisters(reg.Address, uint16(reg.Words))
	case types.FuncCoil:
		raw, err = client.ReadCoils(reg.Address, 1)
		return bitWords(raw, err)
	case types.FuncDiscrete:
		raw, err = client.ReadDiscreteInputs(reg.Address, 1)
		return bitWords(raw, err)
	default:
		return nil, errors.NotValidf("function=%d", reg.Function)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(raw) != int(reg.Words)*2 {
		return nil, errors.Errorf("short reply got=%d want=%d bytes", len(raw), int(reg.Words)*2)
	}
	words := make([]uint16, reg.Words)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return words, nil
}

func bitWords(raw []byte, err error) ([]uint16, error) {
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(raw) == 0 {
		return nil, errors.Errorf("empty bit reply")
	}
	if raw[0]&1 != 0 {
		return []uint16{1}, nil
	}
	return []uint16{0}, nil
}

// IsTimeout separates dead-wire timeouts from protocol failures; the
// failure tracker counts them against different ceilings.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	err = errors.Cause(err)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	if os.IsTimeout(err) {
		return true
	}
	return strings.Contains(err.Error(), "timeout")
}
