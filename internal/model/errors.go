package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error is a classified ledger error.
//
// The codes split into three groups:
//   - Rejections: MalformedCommand, InsufficientMembers, InsufficientBalance,
//     ContractLimitReached. The message is still marked parsed.
//   - Skips: SelfRedemptionForbidden, DuplicateActionForbidden. Reported by the
//     contract pool per contract, never returned from a cycle.
//   - Resolution: NotFound, CycleDetected. Degrade to "no agreement".
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	CodeMalformedCommand         ErrorCode = "MALFORMED_COMMAND"
	CodeInsufficientMembers      ErrorCode = "INSUFFICIENT_MEMBERS"
	CodeInsufficientBalance      ErrorCode = "INSUFFICIENT_BALANCE"
	CodeContractLimitReached     ErrorCode = "CONTRACT_LIMIT_REACHED"
	CodeSelfRedemptionForbidden  ErrorCode = "SELF_REDEMPTION_FORBIDDEN"
	CodeDuplicateActionForbidden ErrorCode = "DUPLICATE_ACTION_FORBIDDEN"
	CodeNotFound                 ErrorCode = "NOT_FOUND"
	CodeCycleDetected            ErrorCode = "CYCLE_DETECTED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + e.Details[k]
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, ", "))
}

// Rejection reports whether the code rejects a command outright.
func (c ErrorCode) Rejection() bool {
	switch c {
	case CodeMalformedCommand, CodeInsufficientMembers, CodeInsufficientBalance, CodeContractLimitReached:
		return true
	default:
		return false
	}
}

// CodeOf returns the code of a classified error, or "" if err is not one.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err is a classified error with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsCycleError reports whether err is a CycleDetected error.
func IsCycleError(err error) bool {
	return IsCode(err, CodeCycleDetected)
}

// IsRejection reports whether err rejects a command and should be answered
// with an explanatory reply.
func IsRejection(err error) bool {
	return CodeOf(err).Rejection()
}

// NewMalformedCommandError creates an Error for unparseable command text.
func NewMalformedCommandError(format string, args ...any) *Error {
	return &Error{Code: CodeMalformedCommand, Message: fmt.Sprintf(format, args...)}
}

// NewInsufficientMembersError creates an Error for an agreement that names nobody
// besides its creator.
func NewInsufficientMembersError(agreementID int64) *Error {
	return &Error{
		Code:    CodeInsufficientMembers,
		Message: "agreement needs at least one member besides the creator",
		Details: map[string]string{"agreement_id": fmt.Sprintf("%d", agreementID)},
	}
}

// NewInsufficientBalanceError creates an Error for collateral the creator cannot cover.
func NewInsufficientBalanceError(accountID, balance, required int64) *Error {
	return &Error{
		Code:    CodeInsufficientBalance,
		Message: fmt.Sprintf("balance %d is below required %d", balance, required),
		Details: map[string]string{
			"account_id": fmt.Sprintf("%d", accountID),
			"balance":    fmt.Sprintf("%d", balance),
			"required":   fmt.Sprintf("%d", required),
		},
	}
}

// NewContractLimitError creates an Error for an exhausted issuance quota.
func NewContractLimitError(issuerID int64, action ActionType) *Error {
	return &Error{
		Code:    CodeContractLimitReached,
		Message: fmt.Sprintf("%s contract quota exhausted", action),
		Details: map[string]string{
			"issuer_id": fmt.Sprintf("%d", issuerID),
			"type":      string(action),
		},
	}
}

// NewSelfRedemptionError creates an Error for an issuer redeeming its own contract.
func NewSelfRedemptionError(contractID, redeemerID int64) *Error {
	return &Error{
		Code:    CodeSelfRedemptionForbidden,
		Message: "issuer cannot redeem its own contract",
		Details: map[string]string{
			"contract_id": fmt.Sprintf("%d", contractID),
			"redeemer_id": fmt.Sprintf("%d", redeemerID),
		},
	}
}

// NewDuplicateActionError creates an Error for an action already performed on a target.
func NewDuplicateActionError(contractID, targetID int64, action ActionType) *Error {
	return &Error{
		Code:    CodeDuplicateActionForbidden,
		Message: fmt.Sprintf("%s already performed on target", action),
		Details: map[string]string{
			"contract_id": fmt.Sprintf("%d", contractID),
			"target_id":   fmt.Sprintf("%d", targetID),
		},
	}
}

// NewNotFoundError creates an Error for a missing keyed record.
func NewNotFoundError(kind string, id int64) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %d not found", kind, id),
		Details: map[string]string{"kind": kind, "id": fmt.Sprintf("%d", id)},
	}
}

// NewCycleError creates an Error for a reply chain that revisits a message or
// exceeds the depth bound.
func NewCycleError(startID int64, depth int) *Error {
	return &Error{
		Code:    CodeCycleDetected,
		Message: fmt.Sprintf("reply chain exceeds %d ancestors or revisits a message", depth),
		Details: map[string]string{"message_id": fmt.Sprintf("%d", startID)},
	}
}
