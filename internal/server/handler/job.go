package handler

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/service"
)

const maxProofUpload = 10 << 20

// FulfillmentService defines the methods that the vendor job and cash order
// handlers require from the service layer.
type FulfillmentService interface {
	CreateCashOrder(ctx context.Context, actor domain.Actor, req service.CashOrderRequest) (service.CashOrderResult, error)
	TrackCashOrder(ctx context.Context, trackingCode string) (domain.CashOrder, error)
	GetJob(ctx context.Context, actor domain.Actor, jobID string) (domain.VendorJob, error)
	ListJobs(ctx context.Context, actor domain.Actor, opts domain.ListOpts) ([]domain.VendorJob, error)
	MarkPaymentSent(ctx context.Context, actor domain.Actor, jobID string, proof service.PaymentProof) (domain.VendorJob, error)
	ConfirmPaymentReceived(ctx context.Context, actor domain.Actor, jobID string, amount decimal.Decimal, reference string) (domain.VendorJob, error)
	RejectPayment(ctx context.Context, actor domain.Actor, jobID, reason string) (domain.VendorJob, error)
	StartDelivery(ctx context.Context, actor domain.Actor, jobID string) (domain.VendorJob, error)
	CompleteDelivery(ctx context.Context, actor domain.Actor, jobID, code string) (service.DeliveryResult, error)
	CancelJob(ctx context.Context, actor domain.Actor, jobID, reason string) (domain.VendorJob, error)
}

// JobHandler serves vendor jobs and stand-alone cash orders.
type JobHandler struct {
	jobs   FulfillmentService
	logger *slog.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs FulfillmentService, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.With(slog.String("handler", "jobs"))}
}

type cashOrderBody struct {
	USDAmount       decimal.Decimal     `json:"usd_amount"`
	DeliveryType    domain.DeliveryType `json:"delivery_type"`
	DeliveryAddress string              `json:"delivery_address"`
	ContactName     string              `json:"contact_name"`
	ContactPhone    string              `json:"contact_phone"`
	Notes           string              `json:"notes"`
}

// CreateCashOrder books a premium stand-alone cash order.
// POST /api/cash-orders
func (h *JobHandler) CreateCashOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var body cashOrderBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.jobs.CreateCashOrder(r.Context(), actor, service.CashOrderRequest{
		USDAmount:       body.USDAmount,
		DeliveryType:    body.DeliveryType,
		DeliveryAddress: body.DeliveryAddress,
		ContactName:     body.ContactName,
		ContactPhone:    body.ContactPhone,
		Notes:           body.Notes,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create cash order", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tracking_code": res.TrackingCode,
		"job":           newJobView(res.Job),
		"vendor": map[string]string{
			"name":           res.Vendor.DisplayName,
			"bank_name":      res.Vendor.BankName,
			"account_number": res.Vendor.AccountNumber,
			"account_name":   res.Vendor.AccountName,
		},
	})
}

// TrackCashOrder returns the public tracking view of a cash order.
// GET /api/cash-orders/{code}
func (h *JobHandler) TrackCashOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.jobs.TrackCashOrder(r.Context(), r.PathValue("code"))
	if err != nil {
		writeServiceError(w, r, h.logger, "track cash order", err)
		return
	}
	writeJSON(w, http.StatusOK, newCashOrderView(o))
}

// ListJobs returns jobs where the caller is requester, payer or vendor.
// GET /api/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	jobs, err := h.jobs.ListJobs(r.Context(), actor, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list jobs", err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// GetJob returns one job.
// GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "get job", h.jobs.GetJob)
}

// PaymentSent records the payer's transfer to the vendor. The body is either
// multipart with a "proof" file or JSON with an optional payment_proof_url.
// POST /api/jobs/{id}/payment-sent
func (h *JobHandler) PaymentSent(w http.ResponseWriter, r *http.Request) {
	var proof service.PaymentProof
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxProofUpload)
		if err := r.ParseMultipartForm(maxProofUpload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
			return
		}
		file, hdr, err := r.FormFile("proof")
		switch {
		case err == nil:
			defer file.Close()
			proof = service.PaymentProof{
				Body:        file,
				Filename:    hdr.Filename,
				ContentType: hdr.Header.Get("Content-Type"),
			}
		case !errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
			return
		}
	} else {
		var body struct {
			PaymentProofURL string `json:"payment_proof_url"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		proof.URL = strings.TrimSpace(body.PaymentProofURL)
	}

	h.transition(w, r, "mark payment sent", func(ctx context.Context, a domain.Actor, id string) (domain.VendorJob, error) {
		return h.jobs.MarkPaymentSent(ctx, a, id, proof)
	})
}

// ConfirmPayment is the vendor's confirmation that the transfer arrived.
// POST /api/jobs/{id}/confirm-payment
func (h *JobHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AmountReceived decimal.Decimal `json:"amount_received"`
		BankReference  string          `json:"bank_reference"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.transition(w, r, "confirm payment", func(ctx context.Context, a domain.Actor, id string) (domain.VendorJob, error) {
		return h.jobs.ConfirmPaymentReceived(ctx, a, id, body.AmountReceived, body.BankReference)
	})
}

// RejectPayment is the vendor's dispute of the transfer.
// POST /api/jobs/{id}/reject-payment
func (h *JobHandler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.transition(w, r, "reject payment", func(ctx context.Context, a domain.Actor, id string) (domain.VendorJob, error) {
		return h.jobs.RejectPayment(ctx, a, id, body.Reason)
	})
}

// StartDelivery marks the vendor as on the way.
// POST /api/jobs/{id}/start-delivery
func (h *JobHandler) StartDelivery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "start delivery", h.jobs.StartDelivery)
}

// Complete checks the customer's verification code and finishes the job. A
// wrong code is a 200 with success=false.
// POST /api/jobs/{id}/complete
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var body struct {
		VerificationCode string `json:"verification_code"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.jobs.CompleteDelivery(r.Context(), actor, r.PathValue("id"), body.VerificationCode)
	if err != nil {
		writeServiceError(w, r, h.logger, "complete delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  res.Success,
		"released": res.Released,
		"tx_hash":  res.TxHash,
		"message":  res.Message,
	})
}

// Cancel withdraws a job.
// POST /api/jobs/{id}/cancel
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.transition(w, r, "cancel job", func(ctx context.Context, a domain.Actor, id string) (domain.VendorJob, error) {
		return h.jobs.CancelJob(ctx, a, id, body.Reason)
	})
}

func (h *JobHandler) transition(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, a domain.Actor, id string) (domain.VendorJob, error)) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	j, err := fn(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j))
}
