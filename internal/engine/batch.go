package engine

// Batch is a bounded group of tokens submitted to Context.Decode in one call.
// Every token carries its absolute position in the sequence and a flag that
// asks the decoder to keep logits for it.
type Batch struct {
	capacity  int
	Tokens    []Token
	Positions []int
	Logits    []bool
}

// NewBatch allocates a batch that holds up to capacity tokens.
func NewBatch(capacity int) *Batch {
	if capacity < 1 {
		capacity = 1
	}
	return &Batch{
		capacity:  capacity,
		Tokens:    make([]Token, 0, capacity),
		Positions: make([]int, 0, capacity),
		Logits:    make([]bool, 0, capacity),
	}
}

// Add appends tok at position pos.
func (b *Batch) Add(tok Token, pos int, logits bool) error {
	if len(b.Tokens) >= b.capacity {
		return ErrBatchFull
	}
	b.Tokens = append(b.Tokens, tok)
	b.Positions = append(b.Positions, pos)
	b.Logits = append(b.Logits, logits)
	return nil
}

// Clear empties the batch, keeping its storage.
func (b *Batch) Clear() {
	b.Tokens = b.Tokens[:0]
	b.Positions = b.Positions[:0]
	b.Logits = b.Logits[:0]
}

func (b *Batch) Len() int      { return len(b.Tokens) }
func (b *Batch) Capacity() int { return b.capacity }
