package bridge

import (
	"context"
	"math/rand"
	"time"

	. "github.com/valetbot/valet/internal/logging"
)

// reconnect backoff tuning
const (
	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
	reconnectAttempts = 30
	reconnectJitter   = 0.25
)

// Supervisor keeps the WhatsApp socket alive: connect, wait for a
// disconnect, back off, retry. Gives up after the attempt budget and emits a
// reconnect_exhausted status so an operator notices.
type Supervisor struct {
	session *Session
}

func NewSupervisor(session *Session) *Supervisor {
	return &Supervisor{session: session}
}

// Run blocks until ctx is cancelled or the reconnect budget is exhausted.
func (sv *Supervisor) Run(ctx context.Context) error {
	s := sv.session
	s.running.Store(true)
	defer s.running.Store(false)

	for {
		if err := sv.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			L_error("bridge: connect failed", "error", err)
			s.setError(err)
		}

		select {
		case <-ctx.Done():
			s.client.Disconnect()
			return ctx.Err()
		case <-s.disconnectedCh:
		}

		attempt := s.reconnects.Add(1)
		if attempt > reconnectAttempts {
			L_error("bridge: reconnect budget exhausted", "attempts", reconnectAttempts)
			s.emitStatus("reconnect_exhausted")
			return nil
		}
		delay := backoffDelay(int(attempt))
		L_warn("bridge: reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connect dials the platform. An unpaired device runs the QR channel so
// pairing codes get latched for login_start before the socket comes up.
func (sv *Supervisor) connect(ctx context.Context) error {
	s := sv.session
	if s.client.IsConnected() {
		return nil
	}

	if s.client.Store.ID == nil {
		qrCh, err := s.client.GetQRChannel(ctx)
		if err == nil {
			go func() {
				for item := range qrCh {
					if item.Event == "code" {
						s.latchQR(item.Code)
						s.emit(NewEvent(EvtQR, "", "", map[string]any{"code": item.Code}))
					}
				}
			}()
		}
	}
	return s.client.Connect()
}

// backoffDelay doubles from the base up to the cap with +/-25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := reconnectBase
	for i := 1; i < attempt && d < reconnectCap; i++ {
		d *= 2
	}
	if d > reconnectCap {
		d = reconnectCap
	}
	jitter := 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
