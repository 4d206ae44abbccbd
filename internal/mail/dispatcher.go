package mail

import (
	"context"
	"sync"
	"time"

	"marketplace-api/internal/observability"
)

const defaultSendTimeout = 10 * time.Second

// Dispatcher sends account emails in the background. Callers return as soon
// as the send is scheduled; failures are only logged.
type Dispatcher struct {
	sender  Sender
	logger  *observability.Logger
	timeout time.Duration

	// mu orders wg.Add against the closed flag so Close never waits on a
	// counter that is still growing.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewDispatcher(sender Sender, logger *observability.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Dispatcher{sender: sender, logger: logger, timeout: timeout}
}

func (d *Dispatcher) SendTemporaryPassword(ctx context.Context, to, name, password string) {
	d.dispatch(ctx, "temporary_password", Message{
		To:      to,
		Subject: "Welcome! Your Temporary Password",
		HTML:    TemporaryPasswordTemplate(name, password),
	})
}

func (d *Dispatcher) SendPasswordReset(ctx context.Context, to, name, resetURL string) {
	d.dispatch(ctx, "password_reset", Message{
		To:      to,
		Subject: "Password Reset Request",
		HTML:    PasswordResetTemplate(name, resetURL),
	})
}

func (d *Dispatcher) SendPasswordChanged(ctx context.Context, to, name string) {
	d.dispatch(ctx, "password_changed", Message{
		To:      to,
		Subject: "Password Changed Successfully",
		HTML:    PasswordChangedTemplate(name),
	})
}

// Close stops accepting new sends and waits for in-flight ones, or for ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, template string, msg Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("email_dropped_dispatcher_closed", map[string]any{"template": template, "to": msg.To})
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("email_send_panic", map[string]any{"template": template, "panic": rec})
			}
		}()

		id, err := d.sender.Send(sendCtx, msg)
		if err != nil {
			d.logger.Error("email_send_failed", map[string]any{
				"template": template,
				"to":       msg.To,
				"error":    err.Error(),
			})
			return
		}
		d.logger.Info("email_sent", map[string]any{"template": template, "to": msg.To, "id": id})
	}()
}
