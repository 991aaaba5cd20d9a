package models

import (
	"time"
)

// DonationStatus 捐赠订单状态
type DonationStatus string

const (
	StatusPending   DonationStatus = "PENDING"   // 已创建支付链接，等待支付结果
	StatusPaid      DonationStatus = "PAID"      // 支付成功（终态）
	StatusFailed    DonationStatus = "FAILED"    // 支付失败（终态）
	StatusCancelled DonationStatus = "CANCELLED" // 用户主动取消或链接过期（终态）
)

// IsTerminal 是否为终态，终态之后不允许再发生状态迁移
func (s DonationStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCancelled
}

type Donation struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	OrderCode   int64          `gorm:"uniqueIndex" json:"orderCode"` // 商户订单号，与PayOS支付链接一一对应
	Amount      int64          `json:"amount"`                       // 金额（VND，无小数位）
	SenderName  *string        `gorm:"size:100" json:"senderName"`
	Message     string         `gorm:"size:500" json:"message"` // 留言
	IsAnonymous bool           `json:"isAnonymous"`
	Status      DonationStatus `gorm:"size:20;index" json:"status"`
	UserID      *string        `gorm:"size:50;index" json:"userId,omitempty"` // 关联的账号，匿名/游客捐赠为空
	CheckoutURL string         `gorm:"size:500" json:"checkoutUrl"`
	QRCode      string         `gorm:"size:1000" json:"qrCode"` // PayOS返回的二维码内容
	CreatedAt   time.Time      `gorm:"index" json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
