package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

var heartbeatInterval = 25 * time.Second

// Broker fans board update signals out to the open SSE connections of this
// instance.
type Broker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan struct{}]struct{})}
}

func (b *Broker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Notify wakes every subscriber. Signals coalesce: a subscriber that has not
// consumed the previous signal is not signalled twice.
func (b *Broker) Notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Broker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// streamBoard sends the board as an SSE data frame on connect and after
// every board update.
func streamBoard(board BoardService, auth Authenticator, broker *Broker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(authorizationHeader(c, true)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		ch := broker.subscribe()
		defer broker.unsubscribe(ch)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			b, err := board.Board(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithError(err).Error("stream board")
				return err
			}
			data, err := sonic.Marshal(b)
			if err != nil {
				logger.WithError(err).Error("encode board")
				return err
			}
			if err := writeFrame(res, "data: ", data); err != nil {
				return nil
			}
			flusher.Flush()

		wait:
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-heartbeat.C:
					if _, err := res.Write([]byte(": ping\n\n")); err != nil {
						return nil
					}
					flusher.Flush()
				case <-ch:
					break wait
				}
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, prefix string, data []byte) error {
	if _, err := w.Write([]byte(prefix)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
