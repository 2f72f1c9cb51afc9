package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/database"
	"github.com/lugh-dev/lugh/internal/common/logger"
)

// reconnectDelay is the pause before re-acquiring a listener connection
// after it drops.
const reconnectDelay = time.Second

// PostgresTransport delivers notifications through LISTEN/NOTIFY. All
// subscribed channels share one dedicated listener connection; when that
// connection drops, the transport reconnects and re-LISTENs every channel.
type PostgresTransport struct {
	db      *database.DB
	deliver DeliverFunc
	logger  *logger.Logger

	mu         sync.Mutex
	channels   map[string]struct{}
	waitCancel context.CancelFunc
	resync     bool
	running    bool
	closed     bool

	loopCtx  context.Context
	loopStop context.CancelFunc
	wg       sync.WaitGroup
}

// NewPostgresTransport creates a LISTEN/NOTIFY transport on the given pool.
func NewPostgresTransport(db *database.DB, deliver DeliverFunc, log *logger.Logger) *PostgresTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresTransport{
		db:       db,
		deliver:  deliver,
		logger:   log.WithFields(zap.String("component", "pubsub_pg")),
		channels: make(map[string]struct{}),
		loopCtx:  ctx,
		loopStop: cancel,
	}
}

// Notify sends the payload with pg_notify.
func (t *PostgresTransport) Notify(ctx context.Context, channel string, payload []byte) error {
	_, err := t.db.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
	return err
}

// Listen adds the channel to the LISTEN set and starts the listener loop on
// first use.
func (t *PostgresTransport) Listen(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if _, ok := t.channels[channel]; ok {
		return nil
	}
	t.channels[channel] = struct{}{}

	if !t.running {
		t.running = true
		t.wg.Add(1)
		go t.listenLoop()
		return nil
	}

	t.wakeLocked()
	return nil
}

// Unlisten removes the channel from the LISTEN set.
func (t *PostgresTransport) Unlisten(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.channels[channel]; !ok {
		return nil
	}
	delete(t.channels, channel)
	if t.running {
		t.wakeLocked()
	}
	return nil
}

// Close stops the listener loop and waits for it to exit.
func (t *PostgresTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.loopStop()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wakeLocked interrupts the current WaitForNotification so the loop can
// resync its LISTEN set. Callers must hold t.mu.
func (t *PostgresTransport) wakeLocked() {
	t.resync = true
	if t.waitCancel != nil {
		t.waitCancel()
	}
}

// listenLoop owns the dedicated listener connection for the transport's
// lifetime. It re-LISTENs all channels after every reconnect so handlers
// registered before a connection failure keep receiving notifications.
func (t *PostgresTransport) listenLoop() {
	defer t.wg.Done()

	for {
		if t.loopCtx.Err() != nil {
			return
		}

		conn, err := t.db.Pool().Acquire(t.loopCtx)
		if err != nil {
			if t.loopCtx.Err() != nil {
				return
			}
			t.logger.Warn("failed to acquire listener connection, retrying", zap.Error(err))
			select {
			case <-t.loopCtx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		t.serveConn(conn.Conn())
		conn.Release()

		if t.loopCtx.Err() != nil {
			return
		}
		t.logger.Warn("listener connection lost, resubscribing all channels")
		select {
		case <-t.loopCtx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// serveConn LISTENs the current channel set on conn and dispatches
// notifications until the connection breaks or the transport closes.
func (t *PostgresTransport) serveConn(conn *pgx.Conn) {
	listened := make(map[string]struct{})

	for {
		if err := t.syncChannels(conn, listened); err != nil {
			if t.loopCtx.Err() == nil {
				t.logger.Warn("failed to sync listen set", zap.Error(err))
			}
			return
		}

		t.mu.Lock()
		waitCtx, cancel := context.WithCancel(t.loopCtx)
		t.waitCancel = cancel
		t.mu.Unlock()

		n, err := conn.WaitForNotification(waitCtx)

		t.mu.Lock()
		t.waitCancel = nil
		woken := t.resync
		t.resync = false
		t.mu.Unlock()
		cancel()

		if err != nil {
			if t.loopCtx.Err() != nil {
				return
			}
			if woken && errors.Is(err, context.Canceled) {
				continue
			}
			return
		}

		t.deliver(n.Channel, []byte(n.Payload))
	}
}

// syncChannels brings the connection's LISTEN set in line with the desired
// channel set. Channel names are canonical identifiers so quoting them
// directly is safe.
func (t *PostgresTransport) syncChannels(conn *pgx.Conn, listened map[string]struct{}) error {
	t.mu.Lock()
	want := make(map[string]struct{}, len(t.channels))
	for ch := range t.channels {
		want[ch] = struct{}{}
	}
	t.mu.Unlock()

	for ch := range want {
		if _, ok := listened[ch]; ok {
			continue
		}
		if _, err := conn.Exec(t.loopCtx, `LISTEN "`+ch+`"`); err != nil {
			return err
		}
		listened[ch] = struct{}{}
	}
	for ch := range listened {
		if _, ok := want[ch]; ok {
			continue
		}
		if _, err := conn.Exec(t.loopCtx, `UNLISTEN "`+ch+`"`); err != nil {
			return err
		}
		delete(listened, ch)
	}
	return nil
}

var _ Transport = (*PostgresTransport)(nil)
