package types

// RegisterCodec turns raw transport words into a numeric value.
// Pure function of its inputs, no I/O.
type RegisterCodec interface {
	DecodeSingle(raw uint16, dt DataType) (float64, error)
	DecodeMulti(raw []uint16, dt DataType, order ByteOrder) (float64, error)
}

// DeviceSource is the read-only device/register configuration store.
// The poller re-pulls the full list after each Changes notification,
// it never diffs.
type DeviceSource interface {
	ListDevices() []string
	ReadDevice(id string) (*DeviceDescriptor, error)
	Changes() <-chan struct{}
}
