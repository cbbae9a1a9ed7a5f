package policy

import "errors"

var (
	ErrDuplicateVendor  = errors.New("policy: vendor already registered")
	ErrPolicyNotFound   = errors.New("policy: not found")
	ErrPolicyImmutable  = errors.New("policy: signed policy is immutable")
	ErrInvalidPolicy    = errors.New("policy: invalid")
	ErrInvalidSignature = errors.New("policy: invalid signature")
	ErrInvalidRequest   = errors.New("policy: invalid execution request")
)
