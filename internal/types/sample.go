package types

import "time"

// Sample is one calibrated register reading, the unit of queue storage.
type Sample struct {
	DeviceID    string
	DeviceName  string
	RegisterID  string
	Name        string
	Value       float64
	Unit        string
	Description string
	At          time.Time
	Position    int // register index within the device's map
}
