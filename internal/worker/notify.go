// internal/worker/notify.go
package worker

import (
	"github.com/rovshanmuradov/swapflow/internal/domain"
)

func routingStartData() *domain.EventData {
	return &domain.EventData{Message: "Comparing prices..."}
}

func selectedData(sel domain.SelectionResult) *domain.EventData {
	return &domain.EventData{
		Message:       "Selected " + sel.Venue,
		SelectedDex:   sel.Venue,
		Justification: sel.Justification,
	}
}

func buildingData() *domain.EventData {
	return &domain.EventData{Message: "Building transaction..."}
}

func submittedData() *domain.EventData {
	return &domain.EventData{Message: "Submitted to blockchain"}
}

func confirmedData(res domain.ExecutionResult, venue string) *domain.EventData {
	return &domain.EventData{
		Message:       "Transaction executed!",
		SelectedDex:   venue,
		ExecutedPrice: domain.Ptr(res.ExecutedPrice),
		TxHash:        res.TxHash,
	}
}

func failedData(errMsg string) *domain.EventData {
	return &domain.EventData{
		Message:      "Transaction failed",
		ErrorMessage: errMsg,
	}
}

func retryingData(errMsg string, retryCount int) *domain.EventData {
	return &domain.EventData{
		Message:      "Retrying...",
		ErrorMessage: errMsg,
		RetryCount:   domain.Ptr(retryCount),
	}
}
