package reconciler

import (
	"context"
	"time"

	"invoice-reconciliation-engine/pkg/logger"

	apperrors "invoice-reconciliation-engine/pkg/errors"

	"invoice-reconciliation-engine/internal/store"
	"invoice-reconciliation-engine/internal/suggest"
)

// Envelope is the uniform response shape of every façade operation.
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries the error taxonomy to the caller.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Service is the orchestration façade: the only surface the HTTP adapter and
// the CLI consume.
type Service struct {
	applier *Applier
	batch   *BatchProcessor
	engine  *suggest.Engine
	store   *store.Store
	log     logger.Logger
}

// NewService wires the façade.
func NewService(applier *Applier, batch *BatchProcessor, engine *suggest.Engine, st *store.Store, log logger.Logger) *Service {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{
		applier: applier,
		batch:   batch,
		engine:  engine,
		store:   st,
		log:     log.WithComponent("service"),
	}
}

func ok(message string, data interface{}) Envelope {
	return Envelope{Success: true, Message: message, Data: data}
}

func fail(err error) Envelope {
	re := apperrors.WrapIfNeeded(err, apperrors.KindInternal, apperrors.CodeUnexpected, "operation failed")
	return Envelope{
		Success: false,
		Message: re.Message,
		Error: &ErrorBody{
			Kind:    string(re.Kind),
			Code:    string(re.Code),
			Message: re.Message,
		},
	}
}

// Suggestions1to1 returns single-invoice proposals for either anchor. Exactly
// one of invoiceID / transactionID should be set; transaction wins when both
// are.
func (s *Service) Suggestions1to1(ctx context.Context, invoiceID, transactionID int64, counterpartyID *int64) Envelope {
	var suggestions []suggest.Suggestion
	switch {
	case transactionID != 0:
		suggestions = s.engine.SuggestForTransaction(ctx, transactionID, counterpartyID)
	case invoiceID != 0:
		suggestions = s.engine.SuggestForInvoice(ctx, invoiceID)
	default:
		return fail(apperrors.Validation(apperrors.CodeInvalidInput,
			"either invoice_id or transaction_id is required"))
	}
	return ok("suggestions computed", suggestions)
}

// SuggestionsNtoM returns invoice-combination proposals for a transaction.
// maxSize and budget optionally tighten the subset search for this request.
func (s *Service) SuggestionsNtoM(ctx context.Context, transactionID int64, counterpartyID *int64, maxSize int, budget time.Duration) Envelope {
	if transactionID == 0 {
		return fail(apperrors.Validation(apperrors.CodeInvalidInput, "transaction_id is required"))
	}
	return ok("suggestions computed", s.engine.SuggestNtoMBounded(ctx, transactionID, counterpartyID, maxSize, budget))
}

// ApplyMatch links an amount of a transaction to an invoice.
func (s *Service) ApplyMatch(ctx context.Context, req MatchRequest) Envelope {
	result, err := s.applier.ApplyMatch(ctx, req)
	if err != nil {
		return fail(err)
	}
	return ok("match applied", result)
}

// ApplyBatch applies several matches atomically.
func (s *Service) ApplyBatch(ctx context.Context, reqs []MatchRequest) Envelope {
	statuses, err := s.applier.ApplyBatch(ctx, reqs)
	if err != nil {
		env := fail(err)
		env.Data = statuses
		return env
	}
	return ok("batch applied", statuses)
}

// AutoReconcile materializes a balanced N:M set.
func (s *Service) AutoReconcile(ctx context.Context, transactionIDs, invoiceIDs []int64) Envelope {
	links, err := s.applier.AutoReconcile(ctx, transactionIDs, invoiceIDs)
	if err != nil {
		return fail(err)
	}
	return ok("auto reconcile applied", links)
}

// IgnoreTransaction drops a transaction's links and marks it ignored.
func (s *Service) IgnoreTransaction(ctx context.Context, transactionID int64) Envelope {
	if err := s.applier.IgnoreTransaction(ctx, transactionID); err != nil {
		return fail(err)
	}
	return ok("transaction ignored", nil)
}

// UnignoreTransaction clears the sticky ignored state.
func (s *Service) UnignoreTransaction(ctx context.Context, transactionID int64) Envelope {
	if err := s.applier.UnignoreTransaction(ctx, transactionID); err != nil {
		return fail(err)
	}
	return ok("transaction restored", nil)
}

// UndoByInvoice removes every link of an invoice.
func (s *Service) UndoByInvoice(ctx context.Context, invoiceID int64) Envelope {
	if err := s.applier.UndoByInvoice(ctx, invoiceID); err != nil {
		return fail(err)
	}
	return ok("invoice reconciliation undone", nil)
}

// UndoByTransaction removes every link of a transaction.
func (s *Service) UndoByTransaction(ctx context.Context, transactionID int64) Envelope {
	if err := s.applier.UndoByTransaction(ctx, transactionID); err != nil {
		return fail(err)
	}
	return ok("transaction reconciliation undone", nil)
}

// ListLinks returns the stored links matching the filter.
func (s *Service) ListLinks(ctx context.Context, filter store.LinkFilter) Envelope {
	links, err := s.store.ListLinks(ctx, filter)
	if err != nil {
		return fail(err)
	}
	return ok("links listed", links)
}

// ValidateMatch runs the apply pre-flight without mutating.
func (s *Service) ValidateMatch(ctx context.Context, req MatchRequest) Envelope {
	if err := s.applier.ValidateMatch(ctx, req); err != nil {
		return fail(err)
	}
	return ok("match is valid", nil)
}

// Recompute runs the batch state processor over the whole ledger.
func (s *Service) Recompute(ctx context.Context) Envelope {
	result, err := s.batch.RecomputeAll(ctx)
	if err != nil {
		return fail(err)
	}
	return ok("states recomputed", result)
}
