package bitgo

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// --------------------------------------------------------------------------
// BitGo API DTOs
// --------------------------------------------------------------------------

type createAddressRequest struct {
	Label string `json:"label,omitempty"`
}

type createAddressResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Coin    string `json:"coin"`
}

type transferEntry struct {
	Address     string      `json:"address"`
	Value       json.Number `json:"value"`
	ValueString string      `json:"valueString"`
}

type transfer struct {
	ID            string          `json:"id"`
	TxID          string          `json:"txid"`
	State         string          `json:"state"` // "confirmed", "unconfirmed", "failed", ...
	Confirmations int             `json:"confirmations"`
	Entries       []transferEntry `json:"entries"`
}

type listTransfersResponse struct {
	Transfers []transfer `json:"transfers"`
	NextBatch string     `json:"nextBatchPrevId"`
}

type sendCoinsRequest struct {
	Address          string `json:"address"`
	Amount           string `json:"amount"`
	WalletPassphrase string `json:"walletPassphrase,omitempty"`
	SequenceID       string `json:"sequenceId,omitempty"`
	Comment          string `json:"comment,omitempty"`
}

type sendCoinsResponse struct {
	TxID     string `json:"txid"`
	Status   string `json:"status"`
	Transfer struct {
		TxID  string `json:"txid"`
		State string `json:"state"`
	} `json:"transfer"`
}

// errorResponse is the JSON body BitGo returns on non-2xx responses.
type errorResponse struct {
	Error     string `json:"error"`
	Name      string `json:"name"`
	RequestID string `json:"requestId"`
}

// APIError is returned for every non-2xx response. It matches
// domain.ErrProvider through errors.Is.
type APIError struct {
	Status    int
	Name      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no error body"
	}
	if e.Name != "" {
		return fmt.Sprintf("bitgo: HTTP %d: %s (%s)", e.Status, msg, e.Name)
	}
	return fmt.Sprintf("bitgo: HTTP %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error { return domain.ErrProvider }

// toDomain converts a wire transfer, preferring valueString for amounts that
// overflow JSON numbers (wei).
func (t transfer) toDomain() (domain.Transfer, error) {
	out := domain.Transfer{
		TxID:          t.TxID,
		State:         strings.ToLower(t.State),
		Confirmations: t.Confirmations,
		Entries:       make([]domain.TransferEntry, 0, len(t.Entries)),
	}
	for _, e := range t.Entries {
		raw := e.ValueString
		if raw == "" {
			raw = e.Value.String()
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return domain.Transfer{}, fmt.Errorf("bitgo: transfer %s: bad value %q", t.TxID, raw)
		}
		out.Entries = append(out.Entries, domain.TransferEntry{Address: e.Address, Value: v})
	}
	return out, nil
}
