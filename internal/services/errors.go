// Package services defines the business logic for identity resolution, the
// conversation lifecycle, and webhook dispatch. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the handler
// layer.
package services

import "errors"

var (
	// ErrOrgNotFound indicates that the referenced organization does not
	// exist under the given slug or id.
	ErrOrgNotFound = errors.New("organization not found")

	// ErrConversationNotFound indicates that the requested conversation does
	// not exist or belongs to another organization.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEndUserNotFound indicates that the referenced end user does not
	// exist within the organization.
	ErrEndUserNotFound = errors.New("end user not found")

	// ErrEmptyBody is returned when a message is submitted with an empty body.
	ErrEmptyBody = errors.New("message body is empty")

	// ErrTooLong is returned when a message body exceeds the configured
	// maximum length.
	ErrTooLong = errors.New("message body too long")

	// ErrInvalidStatus is returned when a status update names a value outside
	// open/assigned/resolved/closed.
	ErrInvalidStatus = errors.New("invalid conversation status")

	// ErrInvalidChannel is returned when a conversation is created with an
	// unknown channel value.
	ErrInvalidChannel = errors.New("invalid conversation channel")
)
