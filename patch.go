package ilpatch

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Patcher rewrites method bodies in assembly files. The zero value is usable;
// NewPatcher exists to attach options.
type Patcher struct {
	log zerolog.Logger
}

// PatcherOption configures a Patcher.
type PatcherOption func(*Patcher)

// WithLogger routes the patcher's progress tracing to log. The default
// discards it.
func WithLogger(log zerolog.Logger) PatcherOption {
	return func(p *Patcher) {
		p.log = log
	}
}

// NewPatcher returns a Patcher with the given options applied.
func NewPatcher(opts ...PatcherOption) *Patcher {
	p := &Patcher{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Patch rewrites one method with a default-return body using a default
// Patcher. See [Patcher.Patch].
func Patch(modulePath, outputPath, typeName, methodName string) error {
	return NewPatcher().Patch(modulePath, outputPath, typeName, methodName)
}

// Patch reads the assembly at modulePath, replaces the body of
// typeName.methodName with a minimal default-return body, and writes the
// complete modified image to outputPath.
//
// Only bytes inside the method's existing body span change: the new body
// overwrites the span's start and the remainder is zero-filled. File size and
// everything outside the span are preserved bit for bit, and nothing is
// written unless every check passes. Patching an already-patched output again
// produces identical bytes.
func (p *Patcher) Patch(modulePath, outputPath, typeName, methodName string) error {
	data, err := os.ReadFile(modulePath)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}

	mod, err := OpenBytes(data)
	if err != nil {
		return err
	}

	t, ok := mod.FindType(typeName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTypeNotFound, typeName)
	}
	d, ok := mod.FindMethod(t, methodName)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrMethodNotFound, typeName, methodName)
	}
	if d.Return == RetUnsupported {
		return fmt.Errorf("%w: %s.%s", ErrUnsupportedReturn, typeName, methodName)
	}

	off, hdr, err := mod.LocateBody(d)
	if err != nil {
		return err
	}

	body, err := EncodeDefaultReturn(d.Return)
	if err != nil {
		return err
	}

	span := hdr.SpanSize()
	if len(body) > span {
		return fmt.Errorf("%w: need %d bytes, method body reserves %d", ErrBodyTooLarge, len(body), span)
	}

	p.log.Debug().
		Str("type", typeName).
		Str("method", methodName).
		Stringer("return", d.Return).
		Uint32("rva", d.RVA).
		Int("offset", off).
		Int("span", span).
		Bool("fat", hdr.Fat).
		Msg("located method body")

	copy(data[off:], body)
	for i := off + len(body); i < off+span; i++ {
		data[i] = 0
	}

	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	p.log.Debug().
		Str("output", outputPath).
		Int("replaced", len(body)).
		Int("zeroed", span-len(body)).
		Msg("wrote patched module")
	return nil
}
