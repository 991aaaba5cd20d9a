package services

import (
	"errors"
)

// 核心错误分类，handler层通过errors.Is映射为HTTP状态码
var (
	// 网关错误
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	ErrInvalidSignature   = errors.New("invalid webhook signature")

	// 校验错误
	ErrAmountTooLow  = errors.New("donation amount below minimum")
	ErrAmountTooHigh = errors.New("donation amount above maximum")

	// 存储错误
	ErrNotFound         = errors.New("donation not found")
	ErrDuplicateOrder   = errors.New("duplicate order code")
	ErrStoreUnavailable = errors.New("donation store unavailable")
)
