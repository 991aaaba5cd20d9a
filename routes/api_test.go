package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/khiemtt31/raise-me-beos/models"
	"github.com/khiemtt31/raise-me-beos/services"
)

// mockGateway 函数字段式的网关mock
type mockGateway struct {
	createFunc func(ctx context.Context, req services.PaymentLinkRequest) (*services.PaymentLink, error)
	cancelFunc func(ctx context.Context, orderCode int64, reason string) error
	verifyFunc func(rawBody []byte, signatureHeader string) (int64, error)
}

func (m *mockGateway) CreatePaymentLink(ctx context.Context, req services.PaymentLinkRequest) (*services.PaymentLink, error) {
	return m.createFunc(ctx, req)
}

func (m *mockGateway) CancelPaymentLink(ctx context.Context, orderCode int64, reason string) error {
	if m.cancelFunc == nil {
		return nil
	}
	return m.cancelFunc(ctx, orderCode, reason)
}

func (m *mockGateway) GetPaymentLink(ctx context.Context, orderCode int64) (*services.PaymentLink, error) {
	panic("unexpected GetPaymentLink call")
}

func (m *mockGateway) VerifyWebhookSignature(rawBody []byte, signatureHeader string) (int64, error) {
	return m.verifyFunc(rawBody, signatureHeader)
}

// mockStore 函数字段式的存储mock
type mockStore struct {
	insertPendingFunc    func(ctx context.Context, donation *models.Donation) error
	updateStatusFromFunc func(ctx context.Context, orderCode int64, from, to models.DonationStatus) (int64, error)
	getByOrderCodeFunc   func(ctx context.Context, orderCode int64) (*models.Donation, error)
	listHistoryFunc      func(ctx context.Context, page, limit int) ([]services.HistoryItem, services.Pagination, error)
	listPublicFunc       func(ctx context.Context, limit int) ([]services.HistoryItem, error)
}

func (m *mockStore) InsertPending(ctx context.Context, donation *models.Donation) error {
	return m.insertPendingFunc(ctx, donation)
}

func (m *mockStore) UpdateStatusFrom(ctx context.Context, orderCode int64, from, to models.DonationStatus) (int64, error) {
	return m.updateStatusFromFunc(ctx, orderCode, from, to)
}

func (m *mockStore) GetByOrderCode(ctx context.Context, orderCode int64) (*models.Donation, error) {
	return m.getByOrderCodeFunc(ctx, orderCode)
}

func (m *mockStore) ListHistory(ctx context.Context, page, limit int) ([]services.HistoryItem, services.Pagination, error) {
	return m.listHistoryFunc(ctx, page, limit)
}

func (m *mockStore) ListPublic(ctx context.Context, limit int) ([]services.HistoryItem, error) {
	return m.listPublicFunc(ctx, limit)
}

func (m *mockStore) InsertNotification(ctx context.Context, notification *models.Notification) error {
	return nil
}

func (m *mockStore) FindStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.Donation, error) {
	return nil, nil
}

func newTestRouter(gateway services.PaymentGateway, store services.DonationStore, bus *services.StatusBus) *gin.Engine {
	gin.SetMode(gin.TestMode)

	paymentService := services.NewPaymentService(services.PaymentConfig{
		BaseURL:    "https://site",
		MinAmount:  10000,
		MaxAmount:  100000000,
		LinkExpiry: 30 * time.Minute,
	}, gateway, store, bus)

	router := gin.New()
	apiRoutes := NewAPIRoutes(paymentService, store, bus, HistoryConfig{DefaultLimit: 6, MaxLimit: 50})
	apiRoutes.SetupRoutes(router)
	return router
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(&mockGateway{}, &mockStore{}, services.NewStatusBus())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestCreatePaymentSuccess(t *testing.T) {
	gateway := &mockGateway{
		createFunc: func(ctx context.Context, req services.PaymentLinkRequest) (*services.PaymentLink, error) {
			return &services.PaymentLink{CheckoutURL: "https://pay/abc", QRCode: "qrdata"}, nil
		},
	}
	store := &mockStore{
		insertPendingFunc: func(ctx context.Context, donation *models.Donation) error { return nil },
	}
	router := newTestRouter(gateway, store, services.NewStatusBus())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/payment/create",
		strings.NewReader(`{"amount":50000,"senderName":"Alice","message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		CheckoutURL string `json:"checkoutUrl"`
		QRCode      string `json:"qrCode"`
		OrderCode   string `json:"orderCode"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CheckoutURL != "https://pay/abc" {
		t.Errorf("checkoutUrl = %q", resp.CheckoutURL)
	}
	// 订单号必须是字符串，防止前端JSON解析丢失int64精度
	if resp.OrderCode == "" {
		t.Error("orderCode missing or not a string")
	}
}

func TestCreatePaymentErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		gatewayErr error
		wantStatus int
		wantReason string
	}{
		{"missing amount", `{}`, nil, http.StatusBadRequest, ""},
		{"amount too low", `{"amount":9999}`, nil, http.StatusBadRequest, "AMOUNT_TOO_LOW"},
		{"amount too high", `{"amount":100000001}`, nil, http.StatusBadRequest, "AMOUNT_TOO_HIGH"},
		{"gateway timeout", `{"amount":50000}`, services.ErrGatewayUnavailable, http.StatusGatewayTimeout, ""},
		{"gateway rejected", `{"amount":50000}`, services.ErrGatewayRejected, http.StatusBadGateway, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gateway := &mockGateway{
				createFunc: func(ctx context.Context, req services.PaymentLinkRequest) (*services.PaymentLink, error) {
					return nil, tc.gatewayErr
				},
			}
			router := newTestRouter(gateway, &mockStore{}, services.NewStatusBus())

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/payment/create", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d, body %s", w.Code, tc.wantStatus, w.Body.String())
			}
			if tc.wantReason != "" && !strings.Contains(w.Body.String(), tc.wantReason) {
				t.Errorf("body missing reason %s: %s", tc.wantReason, w.Body.String())
			}
		})
	}
}

func TestWebhookRoute(t *testing.T) {
	t.Run("invalid signature rejected", func(t *testing.T) {
		gateway := &mockGateway{
			verifyFunc: func(rawBody []byte, signatureHeader string) (int64, error) {
				return 0, services.ErrInvalidSignature
			},
		}
		router := newTestRouter(gateway, &mockStore{}, services.NewStatusBus())

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/payment/webhook", strings.NewReader(`{}`))
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("valid webhook acked", func(t *testing.T) {
		var gotHeader string
		gateway := &mockGateway{
			verifyFunc: func(rawBody []byte, signatureHeader string) (int64, error) {
				gotHeader = signatureHeader
				return 777, nil
			},
		}
		store := &mockStore{
			updateStatusFromFunc: func(ctx context.Context, orderCode int64, from, to models.DonationStatus) (int64, error) {
				return 1, nil
			},
			getByOrderCodeFunc: func(ctx context.Context, orderCode int64) (*models.Donation, error) {
				return &models.Donation{OrderCode: orderCode, Status: models.StatusPaid}, nil
			},
		}
		router := newTestRouter(gateway, store, services.NewStatusBus())

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/payment/webhook",
			strings.NewReader(`{"code":"00","success":true,"data":{"orderCode":777,"code":"00"}}`))
		req.Header.Set("x-payos-signature", "headersig")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"success":true`) {
			t.Errorf("unexpected body %s", w.Body.String())
		}
		if gotHeader != "headersig" {
			t.Errorf("signature header not forwarded, got %q", gotHeader)
		}
	})
}

func TestCancelPaymentRoute(t *testing.T) {
	gateway := &mockGateway{
		cancelFunc: func(ctx context.Context, orderCode int64, reason string) error { return nil },
	}
	store := &mockStore{
		getByOrderCodeFunc: func(ctx context.Context, orderCode int64) (*models.Donation, error) {
			return &models.Donation{OrderCode: orderCode, Status: models.StatusPending}, nil
		},
		updateStatusFromFunc: func(ctx context.Context, orderCode int64, from, to models.DonationStatus) (int64, error) {
			return 1, nil
		},
	}
	router := newTestRouter(gateway, store, services.NewStatusBus())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/payment/555/cancel",
		strings.NewReader(`{"cancellationReason":"changed my mind"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"CANCELLED"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestCancelPaymentInvalidOrderCode(t *testing.T) {
	router := newTestRouter(&mockGateway{}, &mockStore{}, services.NewStatusBus())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/payment/not-a-number/cancel", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetHistory(t *testing.T) {
	var gotPage, gotLimit int
	alice := "Alice"
	store := &mockStore{
		listHistoryFunc: func(ctx context.Context, page, limit int) ([]services.HistoryItem, services.Pagination, error) {
			gotPage, gotLimit = page, limit
			items := []services.HistoryItem{
				{ID: 1, Amount: 50000, SenderName: &alice, Status: models.StatusPaid},
				{ID: 2, Amount: 20000, SenderName: nil, Status: models.StatusPaid},
			}
			return items, services.NewPagination(page, limit, 2), nil
		},
	}
	router := newTestRouter(&mockGateway{}, store, services.NewStatusBus())

	t.Run("defaults", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/donations/history", nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if gotPage != 1 || gotLimit != 6 {
			t.Errorf("page=%d limit=%d, want 1/6", gotPage, gotLimit)
		}

		var resp struct {
			Data []struct {
				SenderName *string `json:"senderName"`
			} `json:"data"`
			Pagination services.Pagination `json:"pagination"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(resp.Data) != 2 {
			t.Fatalf("data len = %d", len(resp.Data))
		}
		// 匿名记录的senderName必须序列化为null
		if resp.Data[1].SenderName != nil {
			t.Errorf("anonymous senderName leaked: %v", *resp.Data[1].SenderName)
		}
		if resp.Pagination.Total != 2 {
			t.Errorf("pagination total = %d", resp.Pagination.Total)
		}
	})

	t.Run("limit clamped to max", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/donations/history?page=3&limit=500", nil)
		router.ServeHTTP(w, req)

		if gotPage != 3 || gotLimit != 50 {
			t.Errorf("page=%d limit=%d, want 3/50", gotPage, gotLimit)
		}
	})

	t.Run("garbage params fall back to defaults", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/donations/history?page=-1&limit=abc", nil)
		router.ServeHTTP(w, req)

		if gotPage != 1 || gotLimit != 6 {
			t.Errorf("page=%d limit=%d, want 1/6", gotPage, gotLimit)
		}
	})
}

func TestGetPublicDonations(t *testing.T) {
	store := &mockStore{
		listPublicFunc: func(ctx context.Context, limit int) ([]services.HistoryItem, error) {
			if limit != 50 {
				t.Errorf("limit = %d, want 50", limit)
			}
			return []services.HistoryItem{}, nil
		},
	}
	router := newTestRouter(&mockGateway{}, store, services.NewStatusBus())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/donations/public", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"donations":[]`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestStatusSSEReplaysPersistedTerminalStatus(t *testing.T) {
	store := &mockStore{
		getByOrderCodeFunc: func(ctx context.Context, orderCode int64) (*models.Donation, error) {
			// 已是终态：首条回放事件发完就应关流
			return &models.Donation{OrderCode: orderCode, Status: models.StatusPaid}, nil
		},
	}
	bus := services.NewStatusBus()
	router := newTestRouter(&mockGateway{}, store, bus)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sse/status/777", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), `data: {"status":"PAID"}`) {
		t.Errorf("missing replay event, body: %s", w.Body.String())
	}
	// 流已关闭，订阅应已注销
	if count := bus.SubscriberCount(777); count != 0 {
		t.Errorf("subscription leaked, count = %d", count)
	}
}

func TestStatusSSEUnknownOrder(t *testing.T) {
	store := &mockStore{
		getByOrderCodeFunc: func(ctx context.Context, orderCode int64) (*models.Donation, error) {
			return nil, services.ErrNotFound
		},
	}
	router := newTestRouter(&mockGateway{}, store, services.NewStatusBus())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sse/status/999", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestStatusSSEDeliversTransitionDuringInitialRead(t *testing.T) {
	// 回调可能恰好在handler读库的瞬间落库并推送。订阅先于读库建立，
	// 这个窗口里的事件必须留在订阅缓冲中，回放完旧状态后照常送达
	bus := services.NewStatusBus()
	store := &mockStore{
		getByOrderCodeFunc: func(ctx context.Context, orderCode int64) (*models.Donation, error) {
			bus.Publish(orderCode, models.StatusPaid)
			return &models.Donation{OrderCode: orderCode, Status: models.StatusPending}, nil
		},
	}
	router := newTestRouter(&mockGateway{}, store, bus)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/sse/status/777", nil)
		router.ServeHTTP(w, req)
		done <- w
	}()

	select {
	case w := <-done:
		body := w.Body.String()
		if !strings.Contains(body, `data: {"status":"PENDING"}`) {
			t.Errorf("missing replay event, body: %s", body)
		}
		if !strings.Contains(body, `data: {"status":"PAID"}`) {
			t.Errorf("terminal event published during initial read was lost, body: %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler hung instead of delivering the buffered terminal event")
	}
}

func TestStatusWebSocketDeliversTransitionDuringInitialRead(t *testing.T) {
	bus := services.NewStatusBus()
	store := &mockStore{
		getByOrderCodeFunc: func(ctx context.Context, orderCode int64) (*models.Donation, error) {
			bus.Publish(orderCode, models.StatusPaid)
			return &models.Donation{OrderCode: orderCode, Status: models.StatusPending}, nil
		},
	}
	router := newTestRouter(&mockGateway{}, store, bus)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/status/777"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var event struct {
		Status models.DonationStatus `json:"status"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read initial event: %v", err)
	}
	if event.Status != models.StatusPending {
		t.Errorf("initial event = %s, want PENDING", event.Status)
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("terminal event published during initial read was lost: %v", err)
	}
	if event.Status != models.StatusPaid {
		t.Errorf("second event = %s, want PAID", event.Status)
	}
}

func TestStatusSSEStreamsBusEvents(t *testing.T) {
	store := &mockStore{
		getByOrderCodeFunc: func(ctx context.Context, orderCode int64) (*models.Donation, error) {
			return &models.Donation{OrderCode: orderCode, Status: models.StatusPending}, nil
		},
	}
	bus := services.NewStatusBus()
	router := newTestRouter(&mockGateway{}, store, bus)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/sse/status/777", nil)
		router.ServeHTTP(w, req)
		done <- w
	}()

	// 等订阅建立后推一个终态事件，handler应转发并关流
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount(777) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(777, models.StatusPaid)

	select {
	case w := <-done:
		body := w.Body.String()
		if !strings.Contains(body, `data: {"status":"PENDING"}`) {
			t.Errorf("missing initial replay event, body: %s", body)
		}
		if !strings.Contains(body, `data: {"status":"PAID"}`) {
			t.Errorf("missing streamed event, body: %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler did not terminate after terminal event")
	}
}
