package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// Format represents the export format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts "csv" and "json"; empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported format: %s", s)
}

// Options configures the export behavior
type Options struct {
	Format    Format
	StartTime time.Time
	EndTime   time.Time
	Status    domain.TransactionState // empty keeps every state
	Venue     string
	TokenIn   string
}

// Summary contains summary statistics for exported transactions
type Summary struct {
	Total     int                        `json:"total"`
	Confirmed int                        `json:"confirmed"`
	Failed    int                        `json:"failed"`
	Active    int                        `json:"active"`
	Retried   int                        `json:"retried"`
	ByVenue   map[string]int             `json:"by_venue"`
	Volume    map[string]decimal.Decimal `json:"volume"` // confirmed input amount per tokenIn
	StartDate time.Time                  `json:"start_date,omitempty"`
	EndDate   time.Time                  `json:"end_date,omitempty"`
}

var csvHeaders = []string{
	"id", "created_at", "updated_at", "status", "token_in", "token_out", "amount",
	"slippage", "dex", "executed_price", "tx_hash", "retry_count", "error",
}

// Exporter writes transaction reports.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates a new exporter
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{logger: logger.Named("export")}
}

// Write filters txs, orders them by creation time and writes them to w.
func (e *Exporter) Write(w io.Writer, txs []domain.Transaction, opts Options) (Summary, error) {
	filtered := filter(txs, opts)
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})
	summary := summarize(filtered)

	var err error
	switch opts.Format {
	case FormatCSV, "":
		err = writeCSV(w, filtered)
	case FormatJSON:
		err = writeJSON(w, filtered, summary)
	default:
		err = fmt.Errorf("unsupported format: %s", opts.Format)
	}
	if err != nil {
		return Summary{}, err
	}

	e.logger.Info("Transactions exported",
		zap.Int("count", len(filtered)),
		zap.String("format", string(opts.Format)))
	return summary, nil
}

func filter(txs []domain.Transaction, opts Options) []domain.Transaction {
	var out []domain.Transaction
	for _, tx := range txs {
		if !opts.StartTime.IsZero() && tx.CreatedAt.Before(opts.StartTime) {
			continue
		}
		if !opts.EndTime.IsZero() && tx.CreatedAt.After(opts.EndTime) {
			continue
		}
		if opts.Status != "" && tx.Status != opts.Status {
			continue
		}
		if opts.Venue != "" && tx.SelectedDex != opts.Venue {
			continue
		}
		if opts.TokenIn != "" && tx.TokenIn != opts.TokenIn {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func record(tx domain.Transaction) []string {
	price := ""
	if tx.ExecutedPrice != nil {
		price = strconv.FormatFloat(*tx.ExecutedPrice, 'f', -1, 64)
	}
	return []string{
		tx.ID,
		tx.CreatedAt.Format(time.RFC3339Nano),
		tx.UpdatedAt.Format(time.RFC3339Nano),
		string(tx.Status),
		tx.TokenIn,
		tx.TokenOut,
		strconv.FormatFloat(tx.Amount, 'f', -1, 64),
		strconv.FormatFloat(tx.Slippage, 'f', -1, 64),
		tx.SelectedDex,
		price,
		tx.TxHash,
		strconv.Itoa(tx.RetryCount),
		tx.ErrorMessage,
	}
}

func writeCSV(w io.Writer, txs []domain.Transaction) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeaders); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, tx := range txs {
		if err := writer.Write(record(tx)); err != nil {
			return fmt.Errorf("failed to write transaction %s: %w", tx.ID, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeJSON(w io.Writer, txs []domain.Transaction, summary Summary) error {
	if txs == nil {
		txs = []domain.Transaction{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	data := struct {
		ExportTime   time.Time            `json:"export_time"`
		Count        int                  `json:"count"`
		Transactions []domain.Transaction `json:"transactions"`
		Summary      Summary              `json:"summary"`
	}{
		ExportTime:   time.Now().UTC(),
		Count:        len(txs),
		Transactions: txs,
		Summary:      summary,
	}
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// summarize expects txs ordered by creation time.
func summarize(txs []domain.Transaction) Summary {
	s := Summary{
		Total:   len(txs),
		ByVenue: make(map[string]int),
		Volume:  make(map[string]decimal.Decimal),
	}
	if len(txs) == 0 {
		return s
	}
	s.StartDate = txs[0].CreatedAt
	s.EndDate = txs[len(txs)-1].CreatedAt

	for _, tx := range txs {
		switch tx.Status {
		case domain.StateConfirmed:
			s.Confirmed++
			s.Volume[tx.TokenIn] = s.Volume[tx.TokenIn].Add(decimal.NewFromFloat(tx.Amount))
		case domain.StateFailed:
			s.Failed++
		default:
			s.Active++
		}
		if tx.RetryCount > 0 {
			s.Retried++
		}
		if tx.SelectedDex != "" {
			s.ByVenue[tx.SelectedDex]++
		}
	}
	return s
}
