package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ListingModel struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	BookID     int64      `gorm:"not null;index"`
	SellerID   string     `gorm:"not null;index"`
	HolderID   *string    `gorm:"index"`
	Status     string     `gorm:"not null;index"`
	PriceCents int64      `gorm:"not null"`
	ListDate   time.Time  `gorm:"not null"`
	HoldDate   *time.Time `gorm:"index"`
	SellDate   *time.Time
	Version    int64     `gorm:"not null;default:0"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type AuditEntryModel struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	ListingID int64          `gorm:"not null;index"`
	ActorID   string         `gorm:"not null"`
	Code      string         `gorm:"type:char(1);not null"`
	Details   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

type BookModel struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	Barcode   string         `gorm:"uniqueIndex;not null"`
	Title     string         `gorm:"not null"`
	Author    string         `gorm:"not null"`
	Edition   int            `gorm:"not null"`
	Courses   datatypes.JSON `gorm:"type:jsonb"`
	Deleted   bool           `gorm:"not null;default:false;index"`
	CreatedAt time.Time      `gorm:"not null"`
}

type UserModel struct {
	ID        string `gorm:"primaryKey"`
	FirstName string `gorm:"not null"`
	LastName  string `gorm:"not null"`
	Email     string
	IsStaff   bool      `gorm:"not null;default:false;index"`
	IsAdmin   bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
}
