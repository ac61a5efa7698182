// internal/api/handlers.go
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/api/response"
	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/export"
	"github.com/rovshanmuradov/swapflow/internal/queue"
	"github.com/rovshanmuradov/swapflow/internal/storage"
)

// Session message types sent on the processing socket.
const (
	MsgSessionEstablished    = "session_established"
	MsgTransactionRegistered = "transaction_registered"
	MsgValidationFailed      = "validation_failed"
	MsgSnapshot              = "snapshot"
)

type sessionMessage struct {
	Type          string              `json:"type"`
	Message       string              `json:"message,omitempty"`
	TransactionID string              `json:"transactionId,omitempty"`
	Status        string              `json:"status,omitempty"`
	Error         string              `json:"error,omitempty"`
	Transaction   *domain.Transaction `json:"transaction,omitempty"`
}

type createdTransaction struct {
	TransactionID string                  `json:"transactionId"`
	Status        domain.TransactionState `json:"status"`
}

type metricsResponse struct {
	Queue              queue.Counts `json:"queue"`
	Websockets         int          `json:"websockets"`
	ActiveTransactions int          `json:"activeTransactions"`
	TotalTransactions  int          `json:"totalTransactions"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	ctx := c.Request.Context()

	m, err := s.processor.RetrieveMetrics(ctx)
	if err != nil {
		s.logger.Error("Failed to read queue metrics", zap.Error(err))
		response.InternalError(c, "Failed to read queue metrics")
		return
	}
	pending, err := s.registry.ListPending(ctx)
	if err != nil {
		response.Handle(c, nil, err)
		return
	}
	all, err := s.registry.ListAll(ctx, storage.DefaultListLimit)
	if err != nil {
		response.Handle(c, nil, err)
		return
	}

	c.JSON(http.StatusOK, metricsResponse{
		Queue:              m.Queue,
		Websockets:         s.hub.ActiveSubscriptionCount(),
		ActiveTransactions: len(pending),
		TotalTransactions:  len(all),
	})
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	tx, ok := s.registry.Find(c.Request.Context(), c.Param("id"))
	if !ok {
		response.NotFound(c, "Transaction not found")
		return
	}
	response.Success(c, tx)
}

func (s *Server) handleListTransactions(c *gin.Context) {
	limit := storage.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	txs, err := s.registry.ListAll(c.Request.Context(), limit)
	response.Handle(c, txs, err)
}

// handleExport streams a CSV or JSON report of recent transactions.
func (s *Server) handleExport(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	opts := export.Options{
		Format:  format,
		Status:  domain.TransactionState(c.Query("status")),
		Venue:   c.Query("dex"),
		TokenIn: c.Query("tokenIn"),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		response.BadRequest(c, "unknown status: "+string(opts.Status))
		return
	}
	for key, dst := range map[string]*time.Time{"since": &opts.StartTime, "until": &opts.EndTime} {
		if raw := c.Query(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, key+" must be an RFC 3339 timestamp")
				return
			}
			*dst = t
		}
	}

	txs, err := s.registry.ListAll(c.Request.Context(), storage.DefaultListLimit)
	if err != nil {
		response.Handle(c, nil, err)
		return
	}

	contentType := "text/csv"
	if format == export.FormatJSON {
		contentType = "application/json"
	}
	filename := fmt.Sprintf("transactions_%s.%s", time.Now().UTC().Format("20060102_150405"), format)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)

	if _, err := s.exporter.Write(c.Writer, txs, opts); err != nil {
		s.logger.Error("Export failed", zap.Error(err))
	}
}

func (s *Server) handleCreateTransaction(c *gin.Context) {
	var sub domain.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	tx, err := s.registry.Create(ctx, sub)
	if err != nil {
		response.Handle(c, nil, err)
		return
	}
	if err := s.processor.Enqueue(ctx, tx); err != nil {
		response.Handle(c, nil, err)
		return
	}

	response.Success(c, createdTransaction{TransactionID: tx.ID, Status: tx.Status})
}

// handleProcess runs a submission session: every text frame is a
// submission, and the socket follows each transaction it registers.
func (s *Server) handleProcess(c *gin.Context) {
	conn, rw, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sub := newWSSubscriber(conn, bufferedReader(rw), s.logger)
	s.metrics.UpdateWebsocketConnections(1)
	defer s.metrics.UpdateWebsocketConnections(-1)
	defer sub.Close()

	sub.logger.Info("WebSocket session initiated")
	if err := sub.sendJSON(sessionMessage{
		Type:    MsgSessionEstablished,
		Message: "Connected to Transaction Processor. Send your transaction as JSON.",
	}); err != nil {
		return
	}

	ctx := c.Request.Context()
	clientIP := c.ClientIP()
	err = sub.readLoop(func(data []byte) {
		s.processSubmission(ctx, sub, clientIP, data)
	})
	if !isNormalClose(err) {
		sub.logger.Warn("WebSocket session error", zap.Error(err))
	}
	sub.logger.Info("WebSocket session terminated")
}

func (s *Server) processSubmission(ctx context.Context, sub *wsSubscriber, clientIP string, data []byte) {
	reject := func(msg string) {
		sub.logger.Debug("Submission rejected", zap.String("error", msg))
		_ = sub.sendJSON(sessionMessage{Type: MsgValidationFailed, Error: msg})
	}

	if !s.limiter.allow(clientIP) {
		reject("rate limit exceeded")
		return
	}

	var submission domain.Submission
	if err := json.Unmarshal(data, &submission); err != nil {
		reject("invalid JSON: " + err.Error())
		return
	}

	tx, err := s.registry.Create(ctx, submission)
	if err != nil {
		reject(err.Error())
		return
	}
	sub.logger.Info("Transaction registered", zap.String("transaction_id", tx.ID))

	if err := sub.sendJSON(sessionMessage{
		Type:          MsgTransactionRegistered,
		TransactionID: tx.ID,
		Status:        string(tx.Status),
		Message:       "Transaction submitted: " + tx.ID,
	}); err != nil {
		sub.logger.Warn("Failed to acknowledge submission", zap.Error(err))
	}

	s.hub.Subscribe(tx.ID, sub)

	// failures are already reported to the socket through the hub
	if err := s.processor.Enqueue(ctx, tx); err != nil {
		sub.logger.Warn("Transaction not queued", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
}

// handleStream follows an existing transaction. The first message is a
// snapshot of its current state.
func (s *Server) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, ok := s.registry.Find(ctx, id); !ok {
		response.NotFound(c, "Transaction not found")
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sub := newWSSubscriber(conn, bufferedReader(rw), s.logger)
	s.metrics.UpdateWebsocketConnections(1)
	defer s.metrics.UpdateWebsocketConnections(-1)
	defer sub.Close()

	subscription := s.hub.Subscribe(id, sub)
	defer subscription.Unsubscribe()

	tx, ok := s.registry.Find(ctx, id)
	if !ok {
		return
	}
	if err := sub.sendJSON(sessionMessage{Type: MsgSnapshot, Transaction: &tx}); err != nil {
		return
	}
	if tx.Status.IsTerminal() {
		return
	}

	// client frames carry nothing; the loop only services control frames
	err = sub.readLoop(func([]byte) {})
	if !isNormalClose(err) {
		sub.logger.Warn("WebSocket stream error", zap.Error(err))
	}
}

func bufferedReader(rw *bufio.ReadWriter) io.Reader {
	if rw == nil {
		return nil
	}
	return rw.Reader
}
