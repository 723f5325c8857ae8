package models

type ReaderState string

const (
	ReaderIdle        ReaderState = "idle"
	ReaderDiscovering ReaderState = "discovering"
	ReaderConnecting  ReaderState = "connecting"
	ReaderBound       ReaderState = "bound"
	ReaderCharging    ReaderState = "charging"
	ReaderFailed      ReaderState = "failed"
)

// Reader is a card-accepting endpoint found during discovery.
type Reader struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	DeviceType   string `json:"device_type"`
	SerialNumber string `json:"serial_number"`
	Simulated    bool   `json:"simulated"`
}
