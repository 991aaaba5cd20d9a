package utils

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
)

// GenerateOrderCode 生成订单号：随机正整数（63位）
// 不使用时间戳，避免并发请求在同一毫秒内生成冲突的订单号
func GenerateOrderCode() int64 {
	for {
		b := make([]byte, 8)
		if _, err := rand.Read(b); err != nil {
			// 系统随机源不可用是环境级故障，不能退化成可预测的订单号
			log.Panicf("crypto/rand unavailable: %v", err)
		}
		code := int64(binary.BigEndian.Uint64(b) &^ (1 << 63))
		if code > 0 {
			return code
		}
	}
}

// FormatAmount 金额格式化，VND不带小数位
func FormatAmount(amount int64) string {
	return fmt.Sprintf("%d", amount)
}
