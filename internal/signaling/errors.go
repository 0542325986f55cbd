package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed      = errors.New("connection failed")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrSendFailed            = errors.New("send failed")
	ErrReceiveFailed         = errors.New("receive failed")
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")
	ErrUnexpectedMessage     = errors.New("unexpected message")
	ErrInvalidEntropy        = errors.New("invalid entropy")
)

// ServerError is an Error frame sent by the rendezvous server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s: %s", e.Code, e.Message)
}
