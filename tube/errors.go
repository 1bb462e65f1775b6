// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tube

import "github.com/pkg/errors"

// Kind 对错误进行分类 便于调用方用 errors.As 做判别式处理
type Kind int

const (
	// KindWire 编解码层面的错误 (§7 Wire errors)
	KindWire Kind = iota
	// KindProtocol 对端违反协议的错误 (§7 Protocol errors)
	KindProtocol
	// KindLocalState 本地状态错误 (§7 Local-state errors)
	KindLocalState
	// KindTransport 底层传输错误 (§7 Transport errors)
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindWire:
		return "wire"
	case KindProtocol:
		return "protocol"
	case KindLocalState:
		return "local-state"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error 是 tube 包抛出的所有错误的统一外壳
//
// Fatal 标记该错误是否会导致所在 Channel 整体失效 (§7 Propagation policy)
type Error struct {
	Kind    Kind
	Code    string
	Fatal   bool
	TubeID  uint16
	cause   error
	message string
}

func (e *Error) Error() string {
	if e.cause != nil {
		return "tube: " + e.message + ": " + e.cause.Error()
	}
	return "tube: " + e.message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newErr(kind Kind, code string, fatal bool, tubeID uint16, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Fatal:   fatal,
		TubeID:  tubeID,
		message: errors.Errorf(format, args...).Error(),
	}
}

func wrapErr(kind Kind, code string, fatal bool, tubeID uint16, cause error, format string, args ...any) *Error {
	e := newErr(kind, code, fatal, tubeID, format, args...)
	e.cause = cause
	return e
}

// Wire errors — §7. The decoder's UnknownFrameTag and MalformedFrame are
// channel-fatal; the encoder's BodyTooLarge is returned to the caller that
// tried to encode and is not.

func ErrUnknownFrameTag(tag byte) error {
	return newErr(KindWire, "UnknownFrameTag", true, 0, "decoder: unknown frame tag 0x%02x", tag)
}

func ErrMalformedFrame(tag byte, field string) error {
	return newErr(KindWire, "MalformedFrame", true, 0, "decoder: malformed frame (tag=0x%02x field=%s)", tag, field)
}

func ErrBodyTooLarge(n int) error {
	return newErr(KindWire, "BodyTooLarge", false, 0, "encoder: body length %d exceeds 65535", n)
}

// Protocol errors — §7, peer misbehaved, always channel-fatal.

func ErrInappropriateHasFinishedSendingFrameFromPeer(tubeID uint16) error {
	return newErr(KindProtocol, "InappropriateHasFinishedSendingFrameFromPeer", true, tubeID,
		"tube %d: half-close frame received from a peer not allowed to send it", tubeID)
}

func ErrServerInitiatedTubesNotImplemented() error {
	return newErr(KindProtocol, "ServerInitiatedTubesNotImplemented", true, 0,
		"server-initiated tubes are not implemented in this revision")
}

func ErrDuplicateHasFinishedSendingFrame(tubeID uint16) error {
	return newErr(KindProtocol, "DuplicateHasFinishedSendingFrame", true, tubeID,
		"tube %d: duplicate half-close frame", tubeID)
}

func ErrDuplicateAbortFrame(tubeID uint16) error {
	return newErr(KindProtocol, "DuplicateAbortFrame", true, tubeID,
		"tube %d: duplicate abort frame", tubeID)
}

func ErrReceivedHasFinishedSendingAfterRemoteAbort(tubeID uint16) error {
	return newErr(KindProtocol, "ReceivedHasFinishedSendingAfterRemoteAbort", true, tubeID,
		"tube %d: half-close frame received after remote abort", tubeID)
}

func ErrUntrackedTubeId(tubeID uint16) error {
	return newErr(KindProtocol, "UntrackedTubeId", true, tubeID,
		"tube %d: frame references an untracked tube id", tubeID)
}

func ErrUntrackedAckId(tubeID uint16, ackID uint16) error {
	return newErr(KindProtocol, "UntrackedAckId", true, tubeID,
		"tube %d: ack id %d has no pending send-ack", tubeID, ackID)
}

func ErrUnexpectedAbortAck(tubeID uint16) error {
	return newErr(KindProtocol, "UnexpectedAbortAck", true, tubeID,
		"tube %d: AbortAck received without a pending local abort", tubeID)
}

// Local-state errors — §7, returned synchronously to the caller, never channel-fatal.

func ErrTubeManagerInsertionError(tubeID uint16) error {
	return newErr(KindLocalState, "TubeManagerInsertionError", false, tubeID,
		"tube %d: a manager already exists for this id", tubeID)
}

func ErrInternalErrorDuplicateTubeId(tubeID uint16) error {
	return newErr(KindLocalState, "InternalErrorDuplicateTubeId", false, tubeID,
		"tube %d: tube id allocator produced a duplicate id", tubeID)
}

// ErrAlreadyFinishedSending is returned when has_finished_sending() is
// called a second time locally for the same direction (§4.6).
func ErrAlreadyFinishedSending(tubeID uint16) error {
	return newErr(KindLocalState, "AlreadyFinishedSending", false, tubeID,
		"tube %d: has_finished_sending already called for this direction", tubeID)
}

// Transport errors — §7. Per-send failures are returned to the caller;
// driver-loop failures are promoted to channel-fatal by the caller.

func ErrTransportSendFailed(cause error) error {
	return wrapErr(KindTransport, "TransportSendFailed", false, 0, cause, "transport send failed")
}

// ErrTransportReceiveFailed wraps a failed read from the inbound transport
// body. Unlike a per-send failure, a failed read always ends the driver
// loop, so it is tagged channel-fatal.
func ErrTransportReceiveFailed(cause error) error {
	return wrapErr(KindTransport, "TransportReceiveFailed", true, 0, cause, "transport receive failed")
}

func ErrTransportClosed() error {
	return newErr(KindTransport, "TransportClosed", true, 0, "transport closed")
}

// ErrInvalidTubeEventTransition is not channel-fatal: §4.4 requires it to
// surface as a StreamError event on the offending tube, not to crash the
// engine.
func ErrInvalidTubeEventTransition(tubeID uint16, prev, next EventTag) error {
	return newErr(KindLocalState, "InvalidTubeEventTransition", false, tubeID,
		"tube %d: invalid event transition %s -> %s", tubeID, prev, next)
}

// IsFatal 判断 err 是否应导致所在 Channel 整体失效
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}
