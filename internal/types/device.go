package types

import (
	"fmt"
	"time"
)

type TransportKind uint8

const (
	TransportSerial TransportKind = iota
	TransportTCP
)

func (tk TransportKind) String() string {
	switch tk {
	case TransportSerial:
		return "serial"
	case TransportTCP:
		return "tcp"
	}
	return fmt.Sprintf("TransportKind(%d)", uint8(tk))
}

// LineParams are serial line settings shared by all devices on one bus.
// The poller reconfigures the line lazily, only when the next device
// to poll differs from the last applied settings.
type LineParams struct {
	Baud     int
	DataBits int
	Parity   string // "N", "E", "O"
	StopBits int
}

func (lp LineParams) Equal(other LineParams) bool { return lp == other }

// DeviceDescriptor is a read-only snapshot owned by the configuration
// collaborator. The poller re-pulls the full list on change notification,
// never mutates it.
type DeviceDescriptor struct {
	ID        string
	Name      string
	Transport TransportKind

	// serial transport
	Bus      string
	PeerAddr uint8
	Line     LineParams

	// tcp transport
	Endpoint string
	UnitID   uint8

	Interval time.Duration
	Enabled  bool

	Registers []RegisterDescriptor
}

// PoolKey identifies the reusable TCP connection for this device.
func (d *DeviceDescriptor) PoolKey() string { return d.Endpoint }

func (d *DeviceDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is empty")
	}
	if d.Interval <= 0 {
		return fmt.Errorf("device=%s interval must be positive", d.ID)
	}
	switch d.Transport {
	case TransportSerial:
		if d.Bus == "" {
			return fmt.Errorf("device=%s serial bus is empty", d.ID)
		}
	case TransportTCP:
		if d.Endpoint == "" {
			return fmt.Errorf("device=%s tcp endpoint is empty", d.ID)
		}
	default:
		return fmt.Errorf("device=%s unknown transport=%d", d.ID, d.Transport)
	}
	for i := range d.Registers {
		if err := d.Registers[i].Validate(); err != nil {
			return fmt.Errorf("device=%s %v", d.ID, err)
		}
	}
	return nil
}
