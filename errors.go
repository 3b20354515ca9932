package ilpatch

import "errors"

var (
	// ErrTypeNotFound means the assembly defines no type with the given name.
	ErrTypeNotFound = errors.New("type not found")
	// ErrMethodNotFound means the type declares no method with the given name.
	ErrMethodNotFound = errors.New("method not found")
	// ErrNoBody means the method has no body (abstract, extern, or runtime-provided).
	ErrNoBody = errors.New("method has no body")
	// ErrOffsetMapping means the method's RVA is not covered by any section.
	ErrOffsetMapping = errors.New("rva not mapped by any section")
	// ErrUnsupportedBody means the body header is malformed, truncated, or
	// carries exception handler sections.
	ErrUnsupportedBody = errors.New("unsupported method body")
	// ErrUnsupportedReturn means no default-return sequence exists for the
	// method's return type.
	ErrUnsupportedReturn = errors.New("unsupported return type")
	// ErrBodyTooLarge means the synthesized body does not fit where it must.
	ErrBodyTooLarge = errors.New("replacement body too large")

	// ErrNilMethod means Wrap was given nil instead of a function.
	ErrNilMethod = errors.New("nil method")
	// ErrUnsupportedMethod means Wrap cannot express the function's shape.
	ErrUnsupportedMethod = errors.New("unsupported method")
	// ErrTooManyParameters means the function exceeds the wrapper parameter limit.
	ErrTooManyParameters = errors.New("too many parameters")
)
