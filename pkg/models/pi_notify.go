package models

import "time"

// PiNotifyKey identifies one PI email: a program observing with an instrument
// on a UT date at a processing level.
type PiNotifyKey struct {
	SemID      string `json:"semid"`
	Instrument string `json:"instrument"`
	UTDate     string `json:"utdate"`
	Level      Level  `json:"level"`
}

// PiNotifyRecord is a koa_pi_notify row. Its existence means the PI email for
// the key was already attempted.
type PiNotifyRecord struct {
	ID int64 `db:"id" json:"id"`
	PiNotifyKey
	PIEmail string    `db:"pi_email" json:"pi_email"`
	LastMod time.Time `db:"last_mod" json:"last_mod"`
}
