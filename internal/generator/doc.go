// Package generator turns prompts into text against a manager Context.
//
// Prompt processing decodes tokens in batch-sized chunks and can reuse the
// KV cache from an earlier request, either through a ContextState (longest
// common token prefix) or through a template that is already resident.
// Generation samples one token at a time until a stopper fires, and either
// accumulates the text (GenerateText*) or pushes every piece to a
// ChunkStream (GenerateStream*).
//
// Context calls are serialized by the Context implementation; this package
// never holds the context lock across text conversion or channel sends.
package generator
