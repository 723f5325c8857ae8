package models

import "time"

type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

func (m Mode) Valid() bool {
	return m == ModeTest || m == ModeLive
}

// CredentialField is a single stored field; Value is plaintext or a
// serialized envelope.
type CredentialField struct {
	Name  string
	Value string
}

type ProcessorCredential struct {
	ID        string
	Processor string
	Mode      Mode
	Fields    []CredentialField
	Active    bool
	CreatedAt time.Time
}
