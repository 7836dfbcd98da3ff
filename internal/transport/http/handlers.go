// Package httptransport is the thin HTTP layer over the validation
// pipeline and the cached sources.
package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hcert/internal/cache"
	cmodels "hcert/internal/credential/models"
	"hcert/internal/hcert"
	"hcert/internal/platform/middleware"
	"hcert/internal/validation"
	dErrors "hcert/pkg/domain-errors"
	"hcert/pkg/platform/httputil"
)

// Validator runs the full validation pipeline.
type Validator interface {
	Validate(ctx context.Context, req validation.Request) *validation.Result
}

// Decoder decodes a credential string without verifying it.
type Decoder interface {
	Decode(raw string) (*hcert.Credential, error)
}

// Handler serves the verification API.
type Handler struct {
	validator Validator
	decoder   Decoder
	sources   map[string]cache.Managed
	order     []string
	logger    *slog.Logger
}

func NewHandler(validator Validator, decoder Decoder, sources []cache.Managed, logger *slog.Logger) *Handler {
	h := &Handler{
		validator: validator,
		decoder:   decoder,
		sources:   make(map[string]cache.Managed, len(sources)),
		logger:    logger,
	}
	for _, s := range sources {
		if _, dup := h.sources[s.Name()]; !dup {
			h.order = append(h.order, s.Name())
		}
		h.sources[s.Name()] = s
	}
	return h
}

// Register mounts the API routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/verifications", h.handleVerify)
	r.Post("/decode", h.handleDecode)
	r.Get("/sources", h.handleListSources)
	r.Post("/sources/{name}/refresh", h.handleRefreshSource)
}

// handleVerify always answers 200 once the body is well formed: a rejected
// credential is a verdict, not a request failure.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	req, ok := httputil.DecodeJSON[VerificationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	vreq := validation.Request{
		Credential:        req.Credential,
		AcceptanceCountry: req.AcceptanceCountry,
		Region:            req.Region,
	}
	if req.At != nil {
		vreq.At = *req.At
	}
	httputil.WriteJSON(w, http.StatusOK, h.validator.Validate(ctx, vreq))
}

// DecodeResponse is the unverified content of a credential.
type DecodeResponse struct {
	KeyID     []byte           `json:"kid"`
	Algorithm int64            `json:"alg"`
	Claims    hcert.Claims     `json:"claims"`
	Payload   *cmodels.Payload `json:"payload"`
}

// DecodeFailure reports the pipeline stage that rejected the input.
type DecodeFailure struct {
	Error       string      `json:"error"`
	Description string      `json:"error_description"`
	Stage       hcert.Stage `json:"stage"`
}

func (h *Handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	req, ok := httputil.DecodeJSON[DecodeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	cred, err := h.decoder.Decode(req.Credential)
	if err != nil {
		h.logger.InfoContext(ctx, "credential not decodable",
			"stage", hcert.StageOf(err),
			"request_id", requestID,
		)
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, DecodeFailure{
			Error:       "not_decodable",
			Description: err.Error(),
			Stage:       hcert.StageOf(err),
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, DecodeResponse{
		KeyID:     cred.Sign1.KeyID,
		Algorithm: cred.Sign1.Algorithm,
		Claims:    cred.Claims,
		Payload:   cred.Payload,
	})
}

type SourcesResponse struct {
	Sources []cache.Info `json:"sources"`
}

func (h *Handler) handleListSources(w http.ResponseWriter, _ *http.Request) {
	infos := make([]cache.Info, 0, len(h.order))
	for _, name := range h.order {
		infos = append(infos, h.sources[name].Status())
	}
	httputil.WriteJSON(w, http.StatusOK, SourcesResponse{Sources: infos})
}

func (h *Handler) handleRefreshSource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	src, ok := h.sources[name]
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "unknown source: "+name))
		return
	}

	if err := src.Trigger(ctx); err != nil {
		h.logger.WarnContext(ctx, "manual refresh failed",
			"source", name,
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		code := dErrors.CodeUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = dErrors.CodeTimeout
		}
		httputil.WriteError(w, dErrors.Wrap(err, code, err.Error()))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, src.Status())
}
