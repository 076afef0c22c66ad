// Command encode-message prints a base64 queue payload for a transaction
// request, for manually injecting test messages into the queue. Fields are
// taken from the environment with defaults for quick local use:
//
//	TX_KEY=tx-123 AMOUNT=125.50 CURRENCY=USD PAYER=acct-9 PAYEE=acct-1 \
//	MERCHANT=ACME go run ./cmd/encode-message
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fintech/transaction-core/internal/models"
	"github.com/fintech/transaction-core/internal/queue/sqs"
)

func main() {
	amount, err := decimal.NewFromString(env("AMOUNT", "125.50"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid AMOUNT: %v\n", err)
		os.Exit(1)
	}

	submittedAt := time.Now().UTC()
	if raw := os.Getenv("TIMESTAMP"); raw != "" {
		submittedAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid TIMESTAMP, want RFC 3339: %v\n", err)
			os.Exit(1)
		}
	}

	currency := env("CURRENCY", "USD")
	amountMinor, err := models.MinorUnits(amount, currency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid AMOUNT for %s: %v\n", currency, err)
		os.Exit(1)
	}

	req := models.TransactionRequest{
		IdempotencyKey: env("TX_KEY", "tx-123"),
		AmountMinor:    amountMinor,
		Currency:       currency,
		PayerAccount:   env("PAYER", "acct-9"),
		PayeeAccount:   env("PAYEE", "acct-1"),
		Merchant:       env("MERCHANT", "ACME"),
		SubmittedAt:    submittedAt,
	}

	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid request: %v\n", err)
		os.Exit(1)
	}

	payload, err := sqs.EncodeRequest(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(payload)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
