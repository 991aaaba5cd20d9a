package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/khiemtt31/raise-me-beos/models"
	"github.com/khiemtt31/raise-me-beos/services"
	"github.com/khiemtt31/raise-me-beos/utils"
)

// HistoryConfig 历史记录分页配置
type HistoryConfig struct {
	DefaultLimit int
	MaxLimit     int
}

type APIRoutes struct {
	paymentService *services.PaymentService
	store          services.DonationStore
	bus            *services.StatusBus
	history        HistoryConfig
	upgrader       websocket.Upgrader
}

func NewAPIRoutes(paymentService *services.PaymentService, store services.DonationStore, bus *services.StatusBus, history HistoryConfig) *APIRoutes {
	if history.DefaultLimit <= 0 {
		history.DefaultLimit = 6
	}
	if history.MaxLimit <= 0 {
		history.MaxLimit = 50
	}
	return &APIRoutes{
		paymentService: paymentService,
		store:          store,
		bus:            bus,
		history:        history,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 跨域策略统一由CORS中间件处理
				return true
			},
		},
	}
}

// SetupRoutes 设置路由
func (ar *APIRoutes) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/payment/create", ar.CreatePayment)
		api.POST("/payment/webhook", ar.HandleWebhook)
		api.POST("/payment/:orderCode/cancel", ar.CancelPayment)
		api.GET("/payment/:orderCode/qr", ar.DonationQR) // 二维码PNG，扫码支付用
		api.GET("/sse/status/:orderCode", ar.StatusSSE)
		api.GET("/donations/history", ar.GetHistory)
		api.GET("/donations/public", ar.GetPublicDonations)
	}

	// WebSocket推送通道，与SSE推送相同的事件内容
	router.GET("/ws/status/:orderCode", ar.StatusWebSocket)

	// 前端存活探测
	router.GET("/healthz", ar.Healthz)
}

// Healthz 存活探测
func (ar *APIRoutes) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreatePayment 创建捐赠支付
func (ar *APIRoutes) CreatePayment(c *gin.Context) {
	// 网关调用带10秒上限，整个请求给15秒
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	var req struct {
		Amount      int64  `json:"amount" binding:"required"`
		SenderName  string `json:"senderName"`
		Message     string `json:"message"`
		IsAnonymous bool   `json:"isAnonymous"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := ar.paymentService.CreateDonationPayment(ctx, services.CreatePaymentInput{
		Amount:      req.Amount,
		SenderName:  req.SenderName,
		Message:     req.Message,
		IsAnonymous: req.IsAnonymous,
	})
	if err != nil {
		// 区分错误类别：前端据此决定提示文案
		switch {
		case errors.Is(err, services.ErrAmountTooLow):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount", "reason": "AMOUNT_TOO_LOW"})
		case errors.Is(err, services.ErrAmountTooHigh):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount", "reason": "AMOUNT_TOO_HIGH"})
		case errors.Is(err, services.ErrGatewayUnavailable):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Payment provider timeout"})
		case errors.Is(err, services.ErrGatewayRejected):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider rejected request"})
		default:
			log.Printf("Payment creation error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create payment"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkoutUrl": result.CheckoutURL,
		"qrCode":      result.QRCode,
		// 订单号以字符串下发，避免前端丢失int64精度
		"orderCode": strconv.FormatInt(result.OrderCode, 10),
	})
}

// HandleWebhook 处理PayOS支付回调
func (ar *APIRoutes) HandleWebhook(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		log.Printf("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "error reading body"})
		return
	}

	signatureHeader := c.GetHeader("x-payos-signature")

	// 验签失败是唯一的硬拒绝，其余错误在服务层记日志后照常ACK
	if err := ar.paymentService.HandleWebhook(c.Request.Context(), rawBody, signatureHeader); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CancelPayment 用户主动取消支付
func (ar *APIRoutes) CancelPayment(c *gin.Context) {
	orderCode, ok := ar.parseOrderCode(c)
	if !ok {
		return
	}

	var req struct {
		CancellationReason string `json:"cancellationReason"`
	}
	// body可为空
	_ = c.ShouldBindJSON(&req)

	donation, err := ar.paymentService.CancelDonation(c.Request.Context(), orderCode, req.CancellationReason)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		log.Printf("Cancel payment error for orderCode=%d: %v", orderCode, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "status": donation.Status})
}

// StatusSSE 订单状态SSE推送
// 连上先回放一条当前落库状态（晚订阅的客户端不会错过已发生的迁移），
// 之后持续转发总线上的增量事件，送达终态后关闭流
func (ar *APIRoutes) StatusSSE(c *gin.Context) {
	orderCode, ok := ar.parseOrderCode(c)
	if !ok {
		return
	}

	// 先订阅再读当前状态，避免两步之间漏掉一次迁移：
	// 窗口期内落库并推送的事件会留在订阅缓冲里，回放完当前状态后照常送达
	sub := ar.bus.Subscribe(orderCode)
	defer ar.bus.Unsubscribe(sub)

	donation, err := ar.store.GetByOrderCode(c.Request.Context(), orderCode)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load donation"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	writeStatusEvent(c, donation.Status)
	if donation.Status.IsTerminal() {
		return
	}

	for {
		select {
		case status, open := <-sub.C:
			if !open {
				return
			}
			writeStatusEvent(c, status)
			if status.IsTerminal() {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// writeStatusEvent 写一条SSE事件并立即刷出
func writeStatusEvent(c *gin.Context, status models.DonationStatus) {
	payload, _ := json.Marshal(gin.H{"status": status})
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}

// StatusWebSocket 订单状态WebSocket推送，事件内容与SSE一致
func (ar *APIRoutes) StatusWebSocket(c *gin.Context) {
	orderCode, ok := ar.parseOrderCode(c)
	if !ok {
		return
	}

	// 同SSE：先订阅再读当前状态，窗口期内的迁移留在订阅缓冲里
	sub := ar.bus.Subscribe(orderCode)
	defer ar.bus.Unsubscribe(sub)

	donation, err := ar.store.GetByOrderCode(c.Request.Context(), orderCode)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load donation"})
		return
	}

	conn, err := ar.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for orderCode=%d: %v", orderCode, err)
		return
	}
	defer conn.Close()

	// 读协程只负责探测连接关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(gin.H{"status": donation.Status}); err != nil {
		return
	}
	if donation.Status.IsTerminal() {
		return
	}

	for {
		select {
		case status, open := <-sub.C:
			if !open {
				return
			}
			if err := conn.WriteJSON(gin.H{"status": status}); err != nil {
				return
			}
			if status.IsTerminal() {
				return
			}
		case <-done:
			return
		}
	}
}

// GetHistory 分页查询捐赠历史
func (ar *APIRoutes) GetHistory(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	page := parsePositiveInt(c.DefaultQuery("page", ""), 1)
	limit := parsePositiveInt(c.DefaultQuery("limit", ""), ar.history.DefaultLimit)
	if limit > ar.history.MaxLimit {
		limit = ar.history.MaxLimit
	}

	items, pagination, err := ar.store.ListHistory(ctx, page, limit)
	if err != nil {
		log.Printf("Get donation history error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get donation history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       items,
		"pagination": pagination,
	})
}

// GetPublicDonations 最新的非匿名捐赠列表
func (ar *APIRoutes) GetPublicDonations(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	items, err := ar.store.ListPublic(ctx, ar.history.MaxLimit)
	if err != nil {
		log.Printf("Get public donations error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get donations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"donations": items})
}

// DonationQR 把订单的二维码内容渲染成PNG
func (ar *APIRoutes) DonationQR(c *gin.Context) {
	orderCode, ok := ar.parseOrderCode(c)
	if !ok {
		return
	}

	donation, err := ar.store.GetByOrderCode(c.Request.Context(), orderCode)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load donation"})
		return
	}
	if donation.QRCode == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No QR payload for this donation"})
		return
	}

	qrBytes, err := utils.GenerateQRCode(donation.QRCode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "image/png")
	c.Writer.Write(qrBytes)
}

// parseOrderCode 解析路径中的订单号，失败时已写入响应
func (ar *APIRoutes) parseOrderCode(c *gin.Context) (int64, bool) {
	orderCode, err := strconv.ParseInt(c.Param("orderCode"), 10, 64)
	if err != nil || orderCode <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order code"})
		return 0, false
	}
	return orderCode, true
}

// parsePositiveInt 解析正整数参数，非法值回退默认值
func parsePositiveInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
