package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"
)

// PayOSConfig PayOS商户配置
type PayOSConfig struct {
	ClientID    string
	APIKey      string
	ChecksumKey string // 签名密钥，用于请求签名与回调验签
	APIURL      string // 如：https://api-merchant.payos.vn
}

// PayOSClient PayOS网关客户端
// 把支付服务商收敛为四个操作：创建支付链接、取消支付链接、查询支付链接、回调验签，
// 其余部分只依赖这组契约，不感知服务商的API形态
type PayOSClient struct {
	config     PayOSConfig
	httpClient *http.Client
}

// NewPayOSClient 创建PayOS客户端
func NewPayOSClient(config PayOSConfig) *PayOSClient {
	// 创建HTTP客户端连接池，所有网关调用带10秒上限
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			MaxConnsPerHost:       100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 10 * time.Second,
	}

	return &PayOSClient{
		config:     config,
		httpClient: httpClient,
	}
}

// PaymentLinkItem 支付链接中的条目
type PaymentLinkItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// PaymentLinkRequest 创建支付链接的请求参数
type PaymentLinkRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	ReturnURL   string
	CancelURL   string
	BuyerName   string // 选填，匿名捐赠不传
	ExpiredAt   int64  // 链接过期时间（Unix秒），0表示不设置
	Items       []PaymentLinkItem
}

// PaymentLink PayOS返回的支付链接信息
type PaymentLink struct {
	PaymentLinkID string `json:"paymentLinkId"`
	CheckoutURL   string `json:"checkoutUrl"`
	QRCode        string `json:"qrCode"`
	Status        string `json:"status"` // PENDING / PROCESSING / PAID / CANCELLED / EXPIRED
}

// payosEnvelope PayOS统一响应格式
type payosEnvelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// PayOSSuccessCode 网关业务成功码
const PayOSSuccessCode = "00"

// CreatePaymentLink 创建支付链接
// 网络/超时错误返回ErrGatewayUnavailable，服务商侧校验失败返回ErrGatewayRejected
func (pc *PayOSClient) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error) {
	// 按文档要求对核心字段生成请求签名
	signature := pc.signCreateRequest(req)

	body := map[string]interface{}{
		"orderCode":   req.OrderCode,
		"amount":      req.Amount,
		"description": req.Description,
		"returnUrl":   req.ReturnURL,
		"cancelUrl":   req.CancelURL,
		"signature":   signature,
	}
	if req.BuyerName != "" {
		body["buyerName"] = req.BuyerName
	}
	if req.ExpiredAt > 0 {
		body["expiredAt"] = req.ExpiredAt
	}
	if len(req.Items) > 0 {
		body["items"] = req.Items
	}

	envelope, err := pc.doRequest(ctx, http.MethodPost, "/v2/payment-requests", body)
	if err != nil {
		return nil, err
	}

	var link PaymentLink
	if err := json.Unmarshal(envelope.Data, &link); err != nil {
		return nil, fmt.Errorf("%w: decode payment link: %v", ErrGatewayRejected, err)
	}
	if link.CheckoutURL == "" {
		return nil, fmt.Errorf("%w: empty checkout url", ErrGatewayRejected)
	}

	return &link, nil
}

// CancelPaymentLink 取消支付链接
// 调用方通常把它当作补偿动作，失败时只记录日志不向上传播
func (pc *PayOSClient) CancelPaymentLink(ctx context.Context, orderCode int64, reason string) error {
	body := map[string]interface{}{
		"cancellationReason": reason,
	}

	path := fmt.Sprintf("/v2/payment-requests/%d/cancel", orderCode)
	_, err := pc.doRequest(ctx, http.MethodPost, path, body)
	return err
}

// GetPaymentLink 查询支付链接当前状态，对账任务用它获取网关侧的真实状态
func (pc *PayOSClient) GetPaymentLink(ctx context.Context, orderCode int64) (*PaymentLink, error) {
	path := fmt.Sprintf("/v2/payment-requests/%d", orderCode)
	envelope, err := pc.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var link PaymentLink
	if err := json.Unmarshal(envelope.Data, &link); err != nil {
		return nil, fmt.Errorf("%w: decode payment link: %v", ErrGatewayRejected, err)
	}
	return &link, nil
}

// VerifyWebhookSignature 验证回调签名并返回data中的订单号
// 签名在验证通过前，整个报文内容都视为不可信；验证失败返回ErrInvalidSignature
// 签名优先取x-payos-signature请求头，否则取报文中的signature字段
// 验签通过但data里没有可用订单号时返回(0, nil)，由调用方当作信息性报文ACK
func (pc *PayOSClient) VerifyWebhookSignature(rawBody []byte, signatureHeader string) (int64, error) {
	var payload struct {
		Data      map[string]interface{} `json:"data"`
		Signature string                 `json:"signature"`
	}

	// UseNumber保留数字原始文本，签名串和订单号都不能经过float64
	decoder := json.NewDecoder(bytes.NewReader(rawBody))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return 0, fmt.Errorf("%w: invalid payload: %v", ErrInvalidSignature, err)
	}

	signature := signatureHeader
	if signature == "" {
		signature = payload.Signature
	}
	if signature == "" || payload.Data == nil {
		return 0, fmt.Errorf("%w: missing signature or data", ErrInvalidSignature)
	}

	expected := pc.signWebhookData(payload.Data)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		log.Printf("Webhook signature mismatch: got %s", signature)
		return 0, ErrInvalidSignature
	}

	orderCode, err := extractOrderCode(payload.Data)
	if err != nil {
		// 验签已通过，缺订单号不算篡改（比如服务商配置回调地址时的试探性ping），
		// 返回0让上层按信息性报文ACK，拒绝它只会招来无限重试
		log.Printf("Verified webhook without usable orderCode: %v", err)
		return 0, nil
	}

	return orderCode, nil
}

// signCreateRequest 生成创建支付链接的签名
// 规则：amount、cancelUrl、description、orderCode、returnUrl按字母序拼接后HMAC-SHA256
func (pc *PayOSClient) signCreateRequest(req PaymentLinkRequest) string {
	raw := fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		req.Amount, req.CancelURL, req.Description, req.OrderCode, req.ReturnURL)
	return pc.hmacSHA256(raw)
}

// signWebhookData 对回调data对象签名
// 规则：
// 1. 取data的全部字段，按key的ASCII码升序排序
// 2. 拼接为 key=value&key=value（null转空串，嵌套结构JSON序列化）
// 3. 用ChecksumKey做HMAC-SHA256，输出小写十六进制
func (pc *PayOSClient) signWebhookData(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(stringifySignValue(data[k]))
	}

	return pc.hmacSHA256(sb.String())
}

func (pc *PayOSClient) hmacSHA256(raw string) string {
	mac := hmac.New(sha256.New, []byte(pc.config.ChecksumKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// stringifySignValue 签名串中单个值的文本形式
func stringifySignValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		// 数组或嵌套对象JSON序列化
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// extractOrderCode 从已验签的data中取订单号
func extractOrderCode(data map[string]interface{}) (int64, error) {
	num, ok := data["orderCode"].(json.Number)
	if !ok {
		return 0, fmt.Errorf("missing orderCode in webhook data")
	}
	orderCode, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("invalid orderCode %q", num.String())
	}
	return orderCode, nil
}

// doRequest 发送网关请求并解析统一响应格式
func (pc *PayOSClient) doRequest(ctx context.Context, method, path string, body interface{}) (*payosEnvelope, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, pc.config.APIURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", pc.config.ClientID)
	req.Header.Set("x-api-key", pc.config.APIKey)

	resp, err := pc.httpClient.Do(req)
	if err != nil {
		// 超时/连接失败统一归类为网关不可用
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: http %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var envelope payosEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v, body: %s", ErrGatewayRejected, err, respBody)
	}

	// 业务码非"00"即服务商侧拒绝
	if envelope.Code != PayOSSuccessCode {
		return nil, fmt.Errorf("%w: code=%s desc=%s", ErrGatewayRejected, envelope.Code, envelope.Desc)
	}

	return &envelope, nil
}
