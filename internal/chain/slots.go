package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSlotDuration is the nominal validator slot time.
const DefaultSlotDuration = 400 * time.Millisecond

// SlotWatcher waits for slots using the validator's slotSubscribe stream.
type SlotWatcher struct {
	url          string
	slotDuration time.Duration
	logger       *slog.Logger
}

// NewSlotWatcher creates a slot watcher for a websocket endpoint.
// An empty url makes every wait a timed sleep.
func NewSlotWatcher(wsURL string, slotDuration time.Duration, logger *slog.Logger) *SlotWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if slotDuration <= 0 {
		slotDuration = DefaultSlotDuration
	}
	return &SlotWatcher{url: wsURL, slotDuration: slotDuration, logger: logger}
}

type slotMessage struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params struct {
		Result struct {
			Slot uint64 `json:"slot"`
		} `json:"result"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WaitSlots blocks until n new slots have been observed.
// When the websocket cannot be used it sleeps n slot durations instead.
func (w *SlotWatcher) WaitSlots(ctx context.Context, n int) error {
	if n <= 0 {
		return ctx.Err()
	}
	if w.url == "" {
		return Sleep(ctx, time.Duration(n)*w.slotDuration)
	}

	err := w.watch(ctx, n)
	if err == nil || ctx.Err() != nil {
		return ctx.Err()
	}

	w.logger.Debug("slot subscription unavailable, sleeping",
		slog.String("url", w.url),
		slog.String("error", err.Error()),
		slog.Int("slots", n),
	)
	return Sleep(ctx, time.Duration(n)*w.slotDuration)
}

func (w *SlotWatcher) watch(ctx context.Context, n int) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	subscribe := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "slotSubscribe"}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("slotSubscribe: %w", err)
	}

	// A stalled validator must not hang the caller forever.
	deadline := time.Duration(n+10) * w.slotDuration * 4
	if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}

	seen := 0
	var last uint64
	for seen < n {
		var msg slotMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read slot notification: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("slotSubscribe error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Method != "slotNotification" {
			continue
		}
		if slot := msg.Params.Result.Slot; slot > last {
			last = slot
			seen++
		}
	}
	return nil
}
