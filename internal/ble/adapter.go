// Package ble talks to an RFID reader over Bluetooth Low Energy. It covers the
// hardware adapter abstraction, the per-reader session handle and periodic
// discovery of readers advertising the reader service.
package ble

import "context"

// Reader GATT UUIDs
const (
	ReaderServiceUUID = "7e4f0000-3a1c-4b7e-9d2a-52c0a8f1e001"
	CommandCharUUID   = "7e4f0001-3a1c-4b7e-9d2a-52c0a8f1e001"
	ResponseCharUUID  = "7e4f0002-3a1c-4b7e-9d2a-52c0a8f1e001"
)

// Characteristic is a GATT characteristic on a connected reader.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device is a reader seen during a scan. MAC holds the platform address
// string (a CoreBluetooth UUID on macOS).
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection is a live link to a reader.
type Connection interface {
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the host BLE radio.
type Adapter interface {
	// Enable powers on the adapter. Calling it more than once is allowed.
	Enable() error
	// Scan returns peripherals advertising serviceUUID seen until ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect opens a link to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
