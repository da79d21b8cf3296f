package router

import (
	"github.com/TomAFrench/vector/pkg/types"
)

// Forwarding failure reasons.
const (
	ReasonInvalidForwardingInfo    = "InvalidForwardingInfo"
	ReasonSenderChannelNotFound    = "SenderChannelNotFound"
	ReasonUnableToCalculateSwap    = "UnableToCalculateSwap"
	ReasonRecipientChannelNotFound = "RecipientChannelNotFound"
	ReasonReceiverOffline          = "ReceiverOffline"
	ReasonErrorForwarding          = "ErrorForwardingTransfer"
	ReasonCollateralFailed         = "UnableToCollateralize"
)

// Cancellation outcomes reported on a ForwardError.
const (
	CancellationExecuted = "executed"
	CancellationEnqueued = "enqueued"
	CancellationFailed   = "failed"
)

// ForwardError is the structured failure of a forwarding attempt.
type ForwardError struct {
	Reason string
	Err    *types.Error
	// ShouldCancelSender marks errors where the sender-side transfer must
	// be zeroed out rather than left to expire.
	ShouldCancelSender bool
	// SenderTransferCancellation reports what happened to the sender
	// transfer when a cancellation was attempted.
	SenderTransferCancellation string
}

// Error implements the error interface.
func (f *ForwardError) Error() string {
	if f.Err != nil {
		return f.Reason + ": " + f.Err.Message
	}
	return f.Reason
}

// Unwrap exposes the inner typed error.
func (f *ForwardError) Unwrap() error {
	if f.Err == nil {
		return nil
	}
	return f.Err
}

func forwardErr(reason string, shouldCancel bool, err error, kv ...string) *ForwardError {
	var typed *types.Error
	if err != nil {
		typed = types.WrapError(err, reason, kv...)
	} else {
		typed = types.NewError(types.KindValidation, reason, kv...)
	}
	return &ForwardError{Reason: reason, Err: typed, ShouldCancelSender: shouldCancel}
}
