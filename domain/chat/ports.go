package chat

import "context"

// ProviderPort abstracts the backend chat-completions API
type ProviderPort interface {
	// Non-streaming chat
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// StreamHandler is a generic callback for streaming chunks
type StreamHandler[T any] func(chunk T) error

// StreamProviderPort supports streaming. Implementations hand transport
// chunks to onChunk in arrival order; chunk boundaries carry no meaning.
type StreamProviderPort[T any] interface {
	Stream(ctx context.Context, req *Request, onChunk StreamHandler[T]) error
}
