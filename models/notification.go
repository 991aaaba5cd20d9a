package models

import (
	"time"
)

// NotificationTypeDonationReceived 捐赠到账通知类型
const NotificationTypeDonationReceived = "donation_received"

// Notification 站内通知记录，支付成功后写入，仅针对关联了账号的捐赠
type Notification struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     string    `gorm:"size:50;index" json:"userId"`
	Type       string    `gorm:"size:30" json:"type"`
	Message    string    `gorm:"size:200" json:"message"`
	DonationID uint      `gorm:"index" json:"donationId"`
	CreatedAt  time.Time `json:"createdAt"`
}
