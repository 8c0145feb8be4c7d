package models

import (
	"time"

	"gorm.io/gorm"
)

// A DialbackRequest records one outbound request this server signed with
// a dialback token. The remote end will call our dialback endpoint to
// confirm the token; only tokens we recorded here verify. Rows are swept
// once they fall outside the confirmation window.
type DialbackRequest struct {
	Endpoint string `gorm:"primarykey;size:191"`
	Identity string `gorm:"primarykey;size:191"` // host or webfinger address we signed as
	Token    string `gorm:"primarykey;size:64"`
	// Date is the millisecond timestamp carried in the signed request.
	Date int64 `gorm:"primarykey;autoIncrement:false"`
}

// DialbackRequestWindow is how long a dialback request stays
// confirmable.
const DialbackRequestWindow = 5 * time.Minute

// A Nonce records one seen inbound dialback authorization tuple. The
// composite primary key doubles as the replay check: inserting a
// duplicate tuple collides, which rejects the replay atomically. Rows
// are swept once they fall outside the retention window.
type Nonce struct {
	Identity string `gorm:"primarykey;size:191"` // host or webfinger address claimed
	URL      string `gorm:"primarykey;size:191"`
	Token    string `gorm:"primarykey;size:64"`
	// Date is the millisecond timestamp of the request's Date header.
	Date int64 `gorm:"primarykey;autoIncrement:false"`
}

// NonceWindow is how long seen nonces are retained. It is deliberately
// double the dialback timestamp window to leave headroom.
const NonceWindow = 10 * time.Minute

// SweepDialbackState deletes dialback requests and nonces that have aged
// out of their windows.
func SweepDialbackState(tx *gorm.DB, now time.Time) error {
	cutoff := now.Add(-DialbackRequestWindow).UnixMilli()
	if err := tx.Where("date < ?", cutoff).Delete(&DialbackRequest{}).Error; err != nil {
		return err
	}
	cutoff = now.Add(-NonceWindow).UnixMilli()
	return tx.Where("date < ?", cutoff).Delete(&Nonce{}).Error
}
