// Patch compiled .NET methods without a .NET toolchain.
//
// This package does two things with an ECMA-335 assembly. First, it can
// rewrite a method's body in place so that the method returns its type's
// default value (zero, 0.0, null, or nothing). The rewritten file keeps its
// exact size and every byte outside the target body, so all other tables and
// offsets remain valid. Second, it can wrap a live Go function or method
// value with enter/exit/exception hooks that observe arguments and results
// while the original call proceeds untouched.
//
// Limitations:
//   - Methods whose bodies carry exception handler sections are refused.
//   - Methods returning a value type by value are refused; there is no
//     single literal that zeroes an arbitrary struct.
//   - Method lookup takes the first declared name match; overloads are not
//     disambiguated.
//   - Strong-name signatures are not recomputed. A patched signed assembly
//     will fail verification unless verification is disabled.
package ilpatch
