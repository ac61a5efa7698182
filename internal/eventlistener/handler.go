// internal/eventlistener/handler.go
package eventlistener

import (
	"go.uber.org/zap"
)

// HandleEvent пишет событие в лог на подходящем уровне.
func HandleEvent(event Event, logger *zap.Logger) {
	switch {
	case event.Type == MsgValidationFailed:
		logger.Warn("Submission rejected", zap.String("error", event.Error))
	case event.Type != "":
		logger.Info(event.Type,
			zap.String("transaction_id", event.TransactionID),
			zap.String("message", event.Message))
	case event.Status == "failed":
		fields := []zap.Field{zap.String("transaction_id", event.TransactionID)}
		if event.Data != nil {
			fields = append(fields, zap.String("error", event.Data.ErrorMessage))
		}
		logger.Error("Transaction failed", fields...)
	default:
		fields := []zap.Field{
			zap.String("transaction_id", event.TransactionID),
			zap.String("status", event.Status),
		}
		if d := event.Data; d != nil {
			fields = append(fields, zap.String("message", d.Message))
			if d.SelectedDex != "" {
				fields = append(fields, zap.String("dex", d.SelectedDex))
			}
			if d.TxHash != "" {
				fields = append(fields, zap.String("tx_hash", d.TxHash))
			}
			if d.ExecutedPrice != nil {
				fields = append(fields, zap.Float64("executed_price", *d.ExecutedPrice))
			}
		}
		logger.Info("Status update", fields...)
	}
}
