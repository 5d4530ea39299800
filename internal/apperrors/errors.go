// Package apperrors defines the error taxonomy returned by the reservation
// engine. Every typed error matches a sentinel through errors.Is, so callers
// can branch on the kind without caring about the concrete struct.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Sentinels for errors.Is matching
var (
	ErrValidation          = errors.New("validation failed")
	ErrOverbook            = errors.New("reservation would exceed available stock")
	ErrInvalidTransition   = errors.New("reservation is no longer active")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrRequestInProgress   = errors.New("request already in progress")
)

// ValidationError reports a malformed request
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// OverbookError is returned when a reservation would exceed available stock
type OverbookError struct {
	SKU       string
	Location  string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *OverbookError) Error() string {
	return fmt.Sprintf("overbook: sku=%s location=%s requested=%s available=%s",
		e.SKU, e.Location, e.Requested, e.Available)
}

func (e *OverbookError) Is(target error) bool { return target == ErrOverbook }

// InvalidTransitionError is returned when a reservation is not active
type InvalidTransitionError struct {
	ReservationID string
	From          string
	To            string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for reservation %s: %s -> %s", e.ReservationID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ReservationNotFoundError is returned when nothing matches a proposal or id
type ReservationNotFoundError struct {
	ProposalID    string
	ReservationID string
}

func (e *ReservationNotFoundError) Error() string {
	if e.ReservationID != "" {
		return fmt.Sprintf("reservation not found: %s", e.ReservationID)
	}
	return fmt.Sprintf("no active reservation for proposal %s", e.ProposalID)
}

func (e *ReservationNotFoundError) Is(target error) bool { return target == ErrReservationNotFound }

// InsufficientStockError signals a ledger/reservation desync at consumption
type InsufficientStockError struct {
	SKU       string
	Location  string
	Requested decimal.Decimal
	Total     decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: sku=%s location=%s requested=%s total=%s",
		e.SKU, e.Location, e.Requested, e.Total)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// StorageUnavailableError wraps a transient infrastructure failure
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

func (e *StorageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }

// RequestInProgressError is returned when another request holding the same
// idempotency key has not finished yet
type RequestInProgressError struct {
	IdempotencyKey string
}

func (e *RequestInProgressError) Error() string {
	return fmt.Sprintf("request with idempotency key %s is still in progress", e.IdempotencyKey)
}

func (e *RequestInProgressError) Is(target error) bool { return target == ErrRequestInProgress }

// Metadata describes how an error surfaces to HTTP callers
type Metadata struct {
	Code       string
	HTTPStatus int
	Retryable  bool
	Message    string
}

var (
	metaValidation = Metadata{Code: "VALIDATION_ERROR", HTTPStatus: http.StatusBadRequest, Message: "validation failed"}
	metaOverbook   = Metadata{Code: "OVERBOOK", HTTPStatus: http.StatusConflict, Message: "insufficient available volume"}
	metaTransition = Metadata{Code: "INVALID_TRANSITION", HTTPStatus: http.StatusUnprocessableEntity, Message: "reservation no longer valid"}
	metaNotFound   = Metadata{Code: "RESERVATION_NOT_FOUND", HTTPStatus: http.StatusNotFound, Message: "reservation lost"}
	metaStock      = Metadata{Code: "INSUFFICIENT_STOCK", HTTPStatus: http.StatusConflict, Message: "stock ledger out of sync"}
	metaStorage    = Metadata{Code: "STORAGE_UNAVAILABLE", HTTPStatus: http.StatusServiceUnavailable, Retryable: true, Message: "storage unavailable, retry later"}
	metaInProgress = Metadata{Code: "REQUEST_IN_PROGRESS", HTTPStatus: http.StatusConflict, Retryable: true, Message: "a request with this idempotency key is still running"}
	metaInternal   = Metadata{Code: "INTERNAL_ERROR", HTTPStatus: http.StatusInternalServerError, Message: "internal server error"}
)

// MetadataFor maps err to its public metadata
func MetadataFor(err error) Metadata {
	switch {
	case errors.Is(err, ErrValidation):
		return metaValidation
	case errors.Is(err, ErrOverbook):
		return metaOverbook
	case errors.Is(err, ErrInvalidTransition):
		return metaTransition
	case errors.Is(err, ErrReservationNotFound):
		return metaNotFound
	case errors.Is(err, ErrInsufficientStock):
		return metaStock
	case errors.Is(err, ErrStorageUnavailable):
		return metaStorage
	case errors.Is(err, ErrRequestInProgress):
		return metaInProgress
	default:
		return metaInternal
	}
}

// IsRetryable reports whether the caller may retry the failed operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
