package domain

import "errors"

var (
	// ErrAuthorizationRejected signals the decision service refused to enroll the device.
	ErrAuthorizationRejected = errors.New("appguard: authorization rejected")
	// ErrProtocolViolation indicates an unexpected or out-of-sequence control message.
	ErrProtocolViolation = errors.New("appguard: protocol violation")
	// ErrMalformedMessage indicates a control envelope without exactly one payload.
	ErrMalformedMessage = errors.New("appguard: malformed message")
	// ErrDeviceDeauthorized signals the service revoked the device credentials.
	ErrDeviceDeauthorized = errors.New("appguard: device deauthorized")
	// ErrSecretNotFound indicates a required secret is missing from the store.
	ErrSecretNotFound = errors.New("appguard: secret not found")
	// ErrDeviceIdentity indicates the hardware UUID could not be determined.
	ErrDeviceIdentity = errors.New("appguard: device identity unavailable")
	// ErrMissingInstallationCode indicates neither env nor store provide an installation code.
	ErrMissingInstallationCode = errors.New("appguard: installation code not set")
)
