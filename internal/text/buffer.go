package text

// Buffer is the broker's mutable copy of a shared document. It stands in for
// the editor-side rope: rune-addressed, cheap to fingerprint, and only ever
// mutated through transactions.
type Buffer struct {
	content string
}

func NewBuffer(s string) *Buffer {
	return &Buffer{content: s}
}

func (b *Buffer) String() string {
	return b.content
}

// Len returns the buffer length in runes.
func (b *Buffer) Len() int {
	return LenChars(b.content)
}

// Apply mutates the buffer with tx and returns the inverse transaction
// relative to the pre-image.
func (b *Buffer) Apply(tx Transaction) (Transaction, error) {
	inv, err := tx.Invert(b.content)
	if err != nil {
		return Transaction{}, err
	}
	next, err := tx.Apply(b.content)
	if err != nil {
		return Transaction{}, err
	}
	b.content = next
	return inv, nil
}
