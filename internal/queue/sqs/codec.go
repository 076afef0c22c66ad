package sqs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fintech/transaction-core/internal/models"
)

// Queue payloads are base64-encoded JSON TransactionRequests. The base64
// wrapper keeps the body safe for manual injection through consoles and CLI
// tools that mangle raw JSON.

// ErrUndecodable marks a message body that cannot be turned into a
// TransactionRequest. Such messages go to the dead-letter path without ever
// reaching the processor.
var ErrUndecodable = errors.New("undecodable queue message")

// EncodeRequest serializes a request into the queue payload format.
func EncodeRequest(req models.TransactionRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding transaction request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequest parses a queue payload back into a TransactionRequest.
func DecodeRequest(body string) (models.TransactionRequest, error) {
	var req models.TransactionRequest
	if body == "" {
		return req, fmt.Errorf("%w: empty body", ErrUndecodable)
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return req, fmt.Errorf("%w: body is not base64: %v", ErrUndecodable, err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: body is not a transaction request: %v", ErrUndecodable, err)
	}
	return req, nil
}
