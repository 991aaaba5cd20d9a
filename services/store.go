package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/khiemtt31/raise-me-beos/models"
	"gorm.io/gorm"
)

// DonationStore 捐赠记录存储契约
type DonationStore interface {
	// InsertPending 插入PENDING记录，orderCode冲突返回ErrDuplicateOrder
	InsertPending(ctx context.Context, donation *models.Donation) error
	// UpdateStatusFrom 条件状态更新：status=from时才更新为to，返回受影响行数
	// 重复迁移到同一终态是无操作（返回0行），不是错误
	UpdateStatusFrom(ctx context.Context, orderCode int64, from, to models.DonationStatus) (int64, error)
	GetByOrderCode(ctx context.Context, orderCode int64) (*models.Donation, error)
	// ListHistory 分页查询捐赠历史（只含PAID记录，匿名记录在服务端抹掉senderName）
	ListHistory(ctx context.Context, page, limit int) ([]HistoryItem, Pagination, error)
	// ListPublic 最新的非匿名PAID捐赠
	ListPublic(ctx context.Context, limit int) ([]HistoryItem, error)
	InsertNotification(ctx context.Context, notification *models.Notification) error
	// FindStalePending 查询超过olderThan仍处于PENDING的记录，供对账任务使用
	FindStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.Donation, error)
}

// HistoryItem 历史记录对外DTO，不暴露内部字段
type HistoryItem struct {
	ID         uint                  `json:"id"`
	Amount     int64                 `json:"amount"`
	SenderName *string               `json:"senderName"`
	Message    string                `json:"message"`
	Status     models.DonationStatus `json:"status"`
	CreatedAt  time.Time             `json:"createdAt"`
}

// Pagination 分页元数据
type Pagination struct {
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	Total       int64 `json:"total"`
	TotalPages  int   `json:"totalPages"`
	HasNextPage bool  `json:"hasNextPage"`
	HasPrevPage bool  `json:"hasPrevPage"`
}

// NewPagination 计算分页元数据，totalPages = ceil(total/limit)，下限为1
func NewPagination(page, limit int, total int64) Pagination {
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	if totalPages < 1 {
		totalPages = 1
	}
	return Pagination{
		Page:        page,
		Limit:       limit,
		Total:       total,
		TotalPages:  totalPages,
		HasNextPage: page < totalPages,
		HasPrevPage: page > 1,
	}
}

type donationStore struct {
	db *gorm.DB
}

// NewDonationStore 创建gorm实现的捐赠存储
func NewDonationStore(db *gorm.DB) DonationStore {
	return &donationStore{db: db}
}

func (s *donationStore) InsertPending(ctx context.Context, donation *models.Donation) error {
	donation.Status = models.StatusPending
	if err := s.db.WithContext(ctx).Create(donation).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: orderCode=%d", ErrDuplicateOrder, donation.OrderCode)
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *donationStore) UpdateStatusFrom(ctx context.Context, orderCode int64, from, to models.DonationStatus) (int64, error) {
	// 原子条件更新，两个并发回调只有一个能完成从PENDING出发的迁移
	result := s.db.WithContext(ctx).Model(&models.Donation{}).
		Where("order_code = ? AND status = ?", orderCode, from).
		Update("status", to)
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Error)
	}
	return result.RowsAffected, nil
}

func (s *donationStore) GetByOrderCode(ctx context.Context, orderCode int64) (*models.Donation, error) {
	var donation models.Donation
	if err := s.db.WithContext(ctx).Where("order_code = ?", orderCode).First(&donation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: orderCode=%d", ErrNotFound, orderCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &donation, nil
}

func (s *donationStore) ListHistory(ctx context.Context, page, limit int) ([]HistoryItem, Pagination, error) {
	var total int64
	query := s.db.WithContext(ctx).Model(&models.Donation{}).
		Where("status = ?", models.StatusPaid)
	if err := query.Count(&total).Error; err != nil {
		return nil, Pagination{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var donations []models.Donation
	offset := (page - 1) * limit
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&donations).Error; err != nil {
		return nil, Pagination{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return redactAnonymous(donations), NewPagination(page, limit, total), nil
}

func (s *donationStore) ListPublic(ctx context.Context, limit int) ([]HistoryItem, error) {
	var donations []models.Donation
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_anonymous = ?", models.StatusPaid, false).
		Order("created_at DESC").Limit(limit).
		Find(&donations).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return redactAnonymous(donations), nil
}

func (s *donationStore) InsertNotification(ctx context.Context, notification *models.Notification) error {
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *donationStore) FindStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.Donation, error) {
	var donations []models.Donation
	cutoff := time.Now().Add(-olderThan)
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.StatusPending, cutoff).
		Order("created_at ASC").Limit(limit).
		Find(&donations).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return donations, nil
}

// redactAnonymous 转换为对外DTO，匿名记录的senderName一律抹为null
// 匿名判断以落库字段为准，不信任客户端传来的任何标记
func redactAnonymous(donations []models.Donation) []HistoryItem {
	items := make([]HistoryItem, 0, len(donations))
	for _, d := range donations {
		item := HistoryItem{
			ID:         d.ID,
			Amount:     d.Amount,
			SenderName: d.SenderName,
			Message:    d.Message,
			Status:     d.Status,
			CreatedAt:  d.CreatedAt,
		}
		if d.IsAnonymous {
			item.SenderName = nil
		}
		items = append(items, item)
	}
	return items
}
