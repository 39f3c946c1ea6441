// Package value defines the typed values held by a test session.
//
// Session variables are either declared parameters (typed by their
// ParameterSpec) or free-form values assigned by the test script. Both are
// represented by the sealed Value interface so that the session can be
// persisted and reloaded without losing type information:
//
//   - Null, String, Int, Float, Bool for scalars
//   - List and Map for composite values assigned by scripts
//
// # Encodings
//
// Two encodings are provided. MarshalCanonical produces RFC 8785 style JSON
// (UTF-16 key order, NFC normalized strings, no HTML escaping) and keeps
// floats distinguishable from integers by always emitting a fraction or an
// exponent. ToNative/FromNative convert to and from plain Go values, which is
// what the CBOR encoder consumes.
package value
