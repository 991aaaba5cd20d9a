package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/khiemtt31/raise-me-beos/models"
	"github.com/khiemtt31/raise-me-beos/utils"
)

// PaymentGateway 支付网关契约，PayOSClient是生产实现，测试用mock替换
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error)
	CancelPaymentLink(ctx context.Context, orderCode int64, reason string) error
	GetPaymentLink(ctx context.Context, orderCode int64) (*PaymentLink, error)
	VerifyWebhookSignature(rawBody []byte, signatureHeader string) (int64, error)
}

// PaymentConfig 支付业务配置
type PaymentConfig struct {
	BaseURL    string        // 站点地址，用于拼接支付完成后的跳转链接
	MinAmount  int64         // 最低捐赠金额（VND）
	MaxAmount  int64         // 最高捐赠金额（VND）
	LinkExpiry time.Duration // 支付链接有效期
}

// PaymentService 捐赠支付服务
type PaymentService struct {
	config  PaymentConfig
	gateway PaymentGateway
	store   DonationStore
	bus     *StatusBus
}

// NewPaymentService 创建支付服务
func NewPaymentService(config PaymentConfig, gateway PaymentGateway, store DonationStore, bus *StatusBus) *PaymentService {
	return &PaymentService{
		config:  config,
		gateway: gateway,
		store:   store,
		bus:     bus,
	}
}

// CreatePaymentInput 创建捐赠支付的入参
type CreatePaymentInput struct {
	Amount      int64
	SenderName  string
	Message     string
	IsAnonymous bool
	UserID      string // 可选，游客捐赠为空
}

// CreatePaymentResult 创建捐赠支付的结果
type CreatePaymentResult struct {
	CheckoutURL string
	QRCode      string
	OrderCode   int64
}

// CreateDonationPayment 创建捐赠支付
//
// 流程（网关在前、落库在后的最终一致补偿式写法）：
// 1. 校验金额范围
// 2. 生成随机订单号
// 3. 调网关创建支付链接（失败直接返回，此时本地无任何写入）
// 4. 落库PENDING记录
// 5. 落库失败则反向取消刚创建的支付链接（补偿动作，其自身失败只记日志）
func (ps *PaymentService) CreateDonationPayment(ctx context.Context, input CreatePaymentInput) (*CreatePaymentResult, error) {
	if input.Amount < ps.config.MinAmount {
		return nil, fmt.Errorf("%w: amount=%d min=%d", ErrAmountTooLow, input.Amount, ps.config.MinAmount)
	}
	if input.Amount > ps.config.MaxAmount {
		return nil, fmt.Errorf("%w: amount=%d max=%d", ErrAmountTooHigh, input.Amount, ps.config.MaxAmount)
	}

	orderCode := utils.GenerateOrderCode()

	// 匿名捐赠不把姓名透给网关
	buyerName := ""
	if !input.IsAnonymous {
		buyerName = input.SenderName
	}

	link, err := ps.gateway.CreatePaymentLink(ctx, PaymentLinkRequest{
		OrderCode:   orderCode,
		Amount:      input.Amount,
		Description: "Donation",
		ReturnURL:   ps.config.BaseURL + "/donation/success",
		CancelURL:   ps.config.BaseURL + "/donation/cancel",
		BuyerName:   buyerName,
		ExpiredAt:   time.Now().Add(ps.config.LinkExpiry).Unix(),
		Items: []PaymentLinkItem{
			{Name: "Donation", Quantity: 1, Price: input.Amount},
		},
	})
	if err != nil {
		// 网关失败时本地还没有任何写入，无需回滚
		return nil, err
	}

	donation := &models.Donation{
		OrderCode:   orderCode,
		Amount:      input.Amount,
		Message:     input.Message,
		IsAnonymous: input.IsAnonymous,
		CheckoutURL: link.CheckoutURL,
		QRCode:      link.QRCode,
	}
	if input.SenderName != "" {
		donation.SenderName = &input.SenderName
	}
	if input.UserID != "" {
		donation.UserID = &input.UserID
	}

	if err := ps.store.InsertPending(ctx, donation); err != nil {
		// 落库失败，补偿取消网关侧的支付链接
		// 补偿也失败时只会留下一个没人使用的支付链接，不会丢钱，记录日志供人工对账
		if cancelErr := ps.gateway.CancelPaymentLink(ctx, orderCode, "store insert failed"); cancelErr != nil {
			log.Printf("Compensating cancel failed for orphaned payment link, orderCode=%d: %v", orderCode, cancelErr)
		}
		return nil, err
	}

	return &CreatePaymentResult{
		CheckoutURL: link.CheckoutURL,
		QRCode:      link.QRCode,
		OrderCode:   orderCode,
	}, nil
}

// CancelDonation 用户主动取消支付
// 与回调走同一套从PENDING出发的条件更新，和并发的PAID回调竞争时先落库者赢
func (ps *PaymentService) CancelDonation(ctx context.Context, orderCode int64, reason string) (*models.Donation, error) {
	donation, err := ps.store.GetByOrderCode(ctx, orderCode)
	if err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "cancelled by user"
	}

	// 网关侧取消失败只记日志：本地状态照常推进，链接最终会自行过期
	if err := ps.gateway.CancelPaymentLink(ctx, orderCode, reason); err != nil {
		log.Printf("Gateway cancel failed for orderCode=%d: %v", orderCode, err)
	}

	rows, err := ps.store.UpdateStatusFrom(ctx, orderCode, models.StatusPending, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	if rows > 0 {
		donation.Status = models.StatusCancelled
		ps.bus.Publish(orderCode, models.StatusCancelled)
	} else {
		// 竞争落败（比如回调先标成了PAID），返回数据库里的最新状态
		donation, err = ps.store.GetByOrderCode(ctx, orderCode)
		if err != nil {
			return nil, err
		}
	}

	return donation, nil
}

// webhookPayload 回调报文结构
// 成功信号可能出现在多个层级：顶层code、顶层success、data.code，三者需要相互印证
type webhookPayload struct {
	Code    string `json:"code"`
	Desc    string `json:"desc"`
	Success *bool  `json:"success"` // 指针区分“显式false”和“字段缺失”
	Data    struct {
		OrderCode int64  `json:"orderCode"`
		Code      string `json:"code"`
		Desc      string `json:"desc"`
	} `json:"data"`
}

// webhookOutcome 回调裁决结果，三态而不是布尔
type webhookOutcome int

const (
	outcomeIndeterminate webhookOutcome = iota // 无决定性信号（如服务商的试探性ping），不动存储
	outcomePaid                                // 所有信号一致认定成功
	outcomeFailed                              // 存在明确的失败信号
)

// resolveWebhookOutcome 把多层级的成功信号归并成一个裁决
// 只有全部出现的信号都认定成功才算PAID；任何一个信号明确失败即FAILED；
// 一个信号都没有则视为信息性报文
func resolveWebhookOutcome(p *webhookPayload) webhookOutcome {
	signals := 0
	allSuccess := true

	if p.Code != "" {
		signals++
		if p.Code != PayOSSuccessCode {
			allSuccess = false
		}
	}
	if p.Success != nil {
		signals++
		if !*p.Success {
			allSuccess = false
		}
	}
	if p.Data.Code != "" {
		signals++
		if p.Data.Code != PayOSSuccessCode {
			allSuccess = false
		}
	}

	if signals == 0 {
		return outcomeIndeterminate
	}
	if allSuccess {
		return outcomePaid
	}
	return outcomeFailed
}

// HandleWebhook 处理支付回调
//
// 验签是唯一的硬拒绝：验签失败返回ErrInvalidSignature，报文内容一概不碰。
// 验签通过之后无论发生什么（存储故障、推送故障）都返回nil让上层ACK 200，
// 否则服务商会对非2xx无限重试，反而持续冲击一个已经在故障中的存储
func (ps *PaymentService) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) error {
	orderCode, err := ps.gateway.VerifyWebhookSignature(rawBody, signatureHeader)
	if err != nil {
		// 可能是篡改，也可能是密钥配置错误，都值得告警
		log.Printf("Webhook signature verification failed: %v", err)
		return err
	}

	if orderCode == 0 {
		// 验签通过但报文里没有可用的订单号，按信息性报文处理
		log.Printf("Webhook verified but carried no orderCode, acknowledged without mutation")
		return nil
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		// 验签已通过但业务字段解析不出来，按信息性报文处理
		log.Printf("Webhook payload decode failed for orderCode=%d: %v", orderCode, err)
		return nil
	}

	outcome := resolveWebhookOutcome(&payload)
	if outcome == outcomeIndeterminate {
		log.Printf("Webhook carried no decisive signal for orderCode=%d, acknowledged without mutation", orderCode)
		return nil
	}

	newStatus := models.StatusPaid
	if outcome == outcomeFailed {
		newStatus = models.StatusFailed
	}

	rows, err := ps.store.UpdateStatusFrom(ctx, orderCode, models.StatusPending, newStatus)
	if err != nil {
		log.Printf("Webhook status update failed for orderCode=%d: %v", orderCode, err)
		return nil
	}
	if rows == 0 {
		// 重复投递或已进入终态，无操作
		log.Printf("Webhook for orderCode=%d caused no transition (already settled)", orderCode)
		return nil
	}

	log.Printf("Donation orderCode=%d transitioned to %s", orderCode, newStatus)

	// 支付成功且捐赠关联了账号时补一条站内通知，游客捐赠静默跳过
	if newStatus == models.StatusPaid {
		ps.recordDonationNotification(ctx, orderCode)
	}

	// 状态确实发生了迁移才推送
	ps.bus.Publish(orderCode, newStatus)

	return nil
}

// recordDonationNotification 支付成功后的站内通知，失败只记日志
func (ps *PaymentService) recordDonationNotification(ctx context.Context, orderCode int64) {
	donation, err := ps.store.GetByOrderCode(ctx, orderCode)
	if err != nil {
		log.Printf("Failed to load donation for notification, orderCode=%d: %v", orderCode, err)
		return
	}
	if donation.UserID == nil {
		return
	}

	notification := &models.Notification{
		UserID:     *donation.UserID,
		Type:       models.NotificationTypeDonationReceived,
		Message:    fmt.Sprintf("Donation of %s VND received", utils.FormatAmount(donation.Amount)),
		DonationID: donation.ID,
	}
	if err := ps.store.InsertNotification(ctx, notification); err != nil {
		log.Printf("Failed to insert notification for orderCode=%d: %v", orderCode, err)
	}
}

// Gateway 暴露网关客户端，供对账任务等周边组件复用同一连接池
func (ps *PaymentService) Gateway() PaymentGateway {
	return ps.gateway
}
