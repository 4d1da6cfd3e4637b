// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/memsentry/services/memsentry/faultrelay"
)

const (
	// MethodNativeFault is the outbound host method name.
	MethodNativeFault = "onNativeFault"

	writeTimeout = 5 * time.Second
)

// FaultMessage is pushed to every connected host on a relayed fault.
type FaultMessage struct {
	Method       string    `json:"method"`
	Message      string    `json:"message"`
	StackSummary string    `json:"stackSummary"`
	ThreadName   string    `json:"threadName"`
	ObservedAt   time.Time `json:"observedAt"`
}

var errClientClosed = errors.New("fault subscriber closed")

type hubClient struct {
	conn *websocket.Conn

	// mu serializes writers; gorilla connections allow one at a time.
	mu     sync.Mutex
	closed bool
}

func (c *hubClient) write(msg FaultMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// close sends a normal closure frame when possible and closes the socket.
func (c *hubClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	_ = c.conn.Close()
}

// FaultHub fans relayed faults out to WebSocket subscribers. It is the
// fault relay's observer.
//
// # Description
//
// OnFault writes to every subscriber before returning, each write bounded
// by writeTimeout. The relay hands the fault to the previous sink only
// after OnFault returns, and that sink usually ends the process, so the
// frames must already be on the wire. A subscriber whose write fails is
// disconnected.
//
// # Thread Safety
//
// Safe for concurrent use.
type FaultHub struct {
	mu       sync.Mutex
	clients  map[*hubClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewFaultHub creates an empty hub. logger may be nil.
func NewFaultHub(logger *slog.Logger) *FaultHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &FaultHub{
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			// Host bridge listens on loopback.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
		logger: logger.With(slog.String("component", "fault_hub")),
	}
}

// OnFault broadcasts the record as an onNativeFault message.
//
// # Outputs
//
//   - error: Non-nil when at least one subscriber could not be written.
func (h *FaultHub) OnFault(rec faultrelay.FaultRecord) error {
	msg := FaultMessage{
		Method:       MethodNativeFault,
		Message:      rec.Message,
		StackSummary: rec.StackSummary,
		ThreadName:   rec.ThreadName,
		ObservedAt:   rec.ObservedAt,
	}

	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.write(msg)
		}()
	}
	wg.Wait()

	var failed []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		h.logger.Warn("failed to write fault message, disconnecting",
			slog.String("remote", clients[i].conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		h.remove(clients[i])
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}

// Clients returns the number of connected subscribers.
func (h *FaultHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve upgrades the request and streams faults until the peer disconnects.
func (h *FaultHub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	client := &hubClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("fault subscriber connected", slog.String("remote", conn.RemoteAddr().String()))

	// Inbound frames are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(client)
	h.logger.Info("fault subscriber disconnected")
}

func (h *FaultHub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Close disconnects every subscriber.
func (h *FaultHub) Close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	clear(h.clients)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

var _ faultrelay.Observer = (*FaultHub)(nil)
