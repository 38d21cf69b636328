package httpx

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/scan"
	"github.com/go-chi/chi/v5"
	"net/http"
	"time"
)

type Admitter interface {
	Admit(ctx context.Context, ticketID, deviceID string) (scan.Result, error)
	AdmitPass(ctx context.Context, passID, deviceID string) (scan.Result, error)
}

type BatchSyncer interface {
	SyncBatch(ctx context.Context, items []scan.OfflineScan) []scan.BatchResult
}

type ScanHandler struct {
	Verifier scan.Verifier
	Guard    Admitter
	Offline  BatchSyncer
}

type scanReq struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	DeviceID  string `json:"device_id"`
}

type scanResp struct {
	Outcome    scan.Outcome `json:"outcome"`
	SubjectID  string       `json:"subject_id"`
	AdmittedAt *time.Time   `json:"admitted_at,omitempty"`
	AdmittedBy string       `json:"admitted_by,omitempty"`
}

type offlineReq struct {
	Items []struct {
		Token     string    `json:"token"`
		Signature string    `json:"signature"`
		ScannedAt time.Time `json:"scanned_at"`
		DeviceID  string    `json:"device_id"`
	} `json:"items"`
}

type offlineItemResp struct {
	Index         int        `json:"index"`
	SubjectID     string     `json:"subject_id,omitempty"`
	Accepted      bool       `json:"accepted"`
	WinningDevice string     `json:"winning_device,omitempty"`
	WinningTime   *time.Time `json:"winning_time,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (h *ScanHandler) Register(r *chi.Mux) {
	r.Post("/scans", h.scan)
	r.Post("/scans/offline", h.offline)
}

func (h *ScanHandler) scan(w http.ResponseWriter, r *http.Request) {
	var req scanReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DeviceID == "" {
		writeError(w, badRequest("device_id is required"))
		return
	}
	sub, err := h.Verifier.Verify(req.Token, req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var res scan.Result
	if sub.Kind == credential.KindGuestPass {
		res, err = h.Guard.AdmitPass(ctx, sub.ID, req.DeviceID)
	} else {
		res, err = h.Guard.Admit(ctx, sub.ID, req.DeviceID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out := scanResp{Outcome: res.Outcome, SubjectID: res.SubjectID, AdmittedBy: res.AdmittedBy}
	if !res.AdmittedAt.IsZero() {
		out.AdmittedAt = &res.AdmittedAt
	}
	switch res.Outcome {
	case scan.OutcomeAdmitted:
		writeJSON(w, http.StatusOK, out)
	case scan.OutcomeContended:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, out)
	default:
		writeJSON(w, http.StatusConflict, out)
	}
}

func (h *ScanHandler) offline(w http.ResponseWriter, r *http.Request) {
	var req offlineReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, badRequest("items are required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 14*time.Second)
	defer cancel()

	items := make([]scan.OfflineScan, len(req.Items))
	for i, it := range req.Items {
		items[i] = scan.OfflineScan{Token: it.Token, Signature: it.Signature, ScannedAt: it.ScannedAt, DeviceID: it.DeviceID}
	}
	results := h.Offline.SyncBatch(ctx, items)

	out := make([]offlineItemResp, len(results))
	for i, res := range results {
		o := offlineItemResp{Index: res.Index, SubjectID: res.SubjectID, Accepted: res.Accepted, WinningDevice: res.WinningDevice}
		if !res.WinningTime.IsZero() {
			t := res.WinningTime
			o.WinningTime = &t
		}
		if res.Err != nil {
			o.Error = itemError(res.Err)
		}
		out[i] = o
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// itemError keeps per-item failures to a fixed vocabulary.
func itemError(err error) string {
	switch {
	case errors.Is(err, credential.ErrInvalidCredential):
		return "INVALID_CREDENTIAL"
	case errors.Is(err, scan.ErrNotAdmissible), errors.Is(err, scan.ErrUnsupportedOffline):
		return "NOT_ADMISSIBLE"
	case errors.Is(err, scan.ErrSubjectNotFound):
		return "NOT_FOUND"
	case errors.Is(err, scan.ErrContended):
		return "CONTENDED"
	default:
		return "UNAVAILABLE"
	}
}
