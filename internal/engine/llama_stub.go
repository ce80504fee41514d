//go:build !llama

package engine

// openLlamaBackend is a stub used when the binary is built without -tags=llama.
func openLlamaBackend() (Backend, error) {
	return nil, ErrDependencyUnavailable("llama.cpp support not built in (build with -tags=llama)")
}
