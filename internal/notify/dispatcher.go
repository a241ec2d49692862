package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/monitor"
	"github.com/t77yq/telemetry-hub/internal/rules"
)

// Config holds dispatcher settings
type Config struct {
	Workers         int
	QueueSize       int
	DeliveryTimeout time.Duration
}

// Dispatcher selects channels for new alarms and hands them to a Sink in the background.
// Delivery is best effort: a full queue drops the notification.
type Dispatcher struct {
	logger    *zap.Logger
	policy    Policy
	sink      Sink
	config    Config
	cooldowns *rules.Cooldowns
	now       func() time.Time

	queue    chan Notification
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(sink Sink, policy Policy, config Config, logger *zap.Logger) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 5 * time.Second
	}
	if policy.Template == "" {
		policy.Template = DefaultTemplate
	}

	return &Dispatcher{
		logger:    logger.Named("notify-dispatcher"),
		policy:    policy,
		sink:      sink,
		config:    config,
		cooldowns: rules.NewCooldowns(),
		now:       func() time.Time { return time.Now().UTC() },
		queue:     make(chan Notification, config.QueueSize),
		stop:      make(chan struct{}),
	}
}

// Start launches the delivery workers. They run until Stop, so cancelling ctx
// at shutdown does not drop what is still queued.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting notification dispatcher", zap.Int("workers", d.config.Workers))
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop delivers what is queued and waits for the workers
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Stopping notification dispatcher")
		close(d.stop)
	})
	d.wg.Wait()
}

// Notify queues notifications for a newly raised alarm. rule is nil for manual alarms.
func (d *Dispatcher) Notify(alarm *model.Alarm, rule *model.AlertRule) {
	for _, n := range d.Plan(alarm, rule) {
		select {
		case d.queue <- n:
		default:
			monitor.IncNotification(n.ChannelType, "dropped")
			d.logger.Warn("Notification queue full, dropping",
				zap.String("tenant_id", n.TenantID),
				zap.String("alarm_id", n.AlarmID),
				zap.String("channel", n.ChannelType))
		}
	}
}

// Plan returns the notifications alarm should produce, applying the per-channel cooldown.
// Only ACTIVE alarms notify.
func (d *Dispatcher) Plan(alarm *model.Alarm, rule *model.AlertRule) []Notification {
	if alarm.Status != model.AlarmStatusActive {
		return nil
	}

	at := alarm.FiredAt
	if at.IsZero() {
		at = d.now()
	}

	var planned []Notification
	for _, channel := range d.policy.Channels(alarm, rule) {
		if !d.cooldowns.TryFire(cooldownKey(alarm, channel), at, d.policy.Cooldown) {
			monitor.IncNotification(channel, "suppressed")
			d.logger.Debug("Notification suppressed by cooldown",
				zap.String("alarm_id", alarm.ID),
				zap.String("channel", channel))
			continue
		}

		planned = append(planned, Notification{
			ChannelType: channel,
			Message:     Render(d.policy.Template, alarm),
			Severity:    alarm.Severity,
			TenantID:    alarm.TenantID,
			AlarmID:     alarm.ID,
			RuleID:      alarm.RuleID,
			DeviceID:    alarm.DeviceID,
			CreatedAt:   d.now(),
		})
	}
	return planned
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-d.stop:
			for {
				select {
				case n := <-d.queue:
					d.deliver(ctx, n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	deliverCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	if err := d.sink.Deliver(deliverCtx, n); err != nil {
		monitor.IncNotification(n.ChannelType, "failed")
		d.logger.Error("Failed to hand off notification",
			zap.String("tenant_id", n.TenantID),
			zap.String("alarm_id", n.AlarmID),
			zap.String("channel", n.ChannelType),
			zap.Error(err))
		return
	}

	monitor.IncNotification(n.ChannelType, "delivered")
	d.logger.Debug("Notification handed off",
		zap.String("alarm_id", n.AlarmID),
		zap.String("channel", n.ChannelType))
}
