package workers

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/khiemtt31/raise-me-beos/models"
	"github.com/khiemtt31/raise-me-beos/services"
)

// reconcileBatchSize 每轮对账最多处理的滞留订单数
const reconcileBatchSize = 50

// ReconciliationWorker 滞留订单对账任务
// 回调可能丢失（网络抖动、服务重启窗口），定期把超过链接有效期仍处于
// PENDING的订单拿去网关核对真实状态：网关侧已支付的补记PAID（幽灵支付），
// 网关侧已取消或过期的落成CANCELLED，其余保持不动等下一轮
type ReconciliationWorker struct {
	store      services.DonationStore
	gateway    services.PaymentGateway
	bus        *services.StatusBus
	linkExpiry time.Duration
	interval   time.Duration

	scheduler gocron.Scheduler
}

// NewReconciliationWorker 创建对账任务
func NewReconciliationWorker(store services.DonationStore, gateway services.PaymentGateway, bus *services.StatusBus, linkExpiry, interval time.Duration) *ReconciliationWorker {
	return &ReconciliationWorker{
		store:      store,
		gateway:    gateway,
		bus:        bus,
		linkExpiry: linkExpiry,
		interval:   interval,
	}
}

// Start 启动定时对账
func (w *ReconciliationWorker) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			defer cancel()
			w.RunOnce(ctx)
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	w.scheduler = scheduler
	log.Printf("Reconciliation worker started, interval=%s linkExpiry=%s", w.interval, w.linkExpiry)
	return nil
}

// Stop 停止定时对账
func (w *ReconciliationWorker) Stop() {
	if w.scheduler != nil {
		if err := w.scheduler.Shutdown(); err != nil {
			log.Printf("Reconciliation worker shutdown error: %v", err)
		}
	}
}

// RunOnce 执行一轮对账
func (w *ReconciliationWorker) RunOnce(ctx context.Context) {
	stale, err := w.store.FindStalePending(ctx, w.linkExpiry, reconcileBatchSize)
	if err != nil {
		log.Printf("Reconciliation: failed to list stale pending donations: %v", err)
		return
	}

	for _, donation := range stale {
		w.reconcile(ctx, donation)
	}
}

// reconcile 对单笔订单对账，以网关侧状态为准
func (w *ReconciliationWorker) reconcile(ctx context.Context, donation models.Donation) {
	link, err := w.gateway.GetPaymentLink(ctx, donation.OrderCode)
	if err != nil {
		// 网关暂时查不到就留到下一轮，不能凭空裁决
		log.Printf("Reconciliation: gateway lookup failed for orderCode=%d: %v", donation.OrderCode, err)
		return
	}

	var newStatus models.DonationStatus
	switch link.Status {
	case "PAID":
		// 幽灵支付：钱已到账但回调丢了
		newStatus = models.StatusPaid
	case "CANCELLED", "EXPIRED":
		newStatus = models.StatusCancelled
	default:
		// 网关侧仍在进行中，不动
		return
	}

	rows, err := w.store.UpdateStatusFrom(ctx, donation.OrderCode, models.StatusPending, newStatus)
	if err != nil {
		log.Printf("Reconciliation: status update failed for orderCode=%d: %v", donation.OrderCode, err)
		return
	}
	if rows == 0 {
		// 对账和回调赛跑，回调赢了，无操作
		return
	}

	log.Printf("Reconciliation: orderCode=%d settled as %s (gateway status %s)", donation.OrderCode, newStatus, link.Status)
	w.bus.Publish(donation.OrderCode, newStatus)
}
