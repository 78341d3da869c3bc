package toyclip

import (
	"errors"
	"hash/fnv"
	"strings"
	"unicode"
)

// Tokenizer maps lower-cased words and punctuation marks to ids by hashing.
// Ids 0, vocab-2 and vocab-1 are reserved for padding, start and end.
type Tokenizer struct {
	vocab, context int
}

func NewTokenizer(vocab, context int) (*Tokenizer, error) {
	if vocab < 4 {
		return nil, errors.New("toyclip: vocabulary needs at least 4 ids")
	}
	if context < 2 {
		return nil, errors.New("toyclip: context needs at least 2 ids")
	}

	return &Tokenizer{vocab: vocab, context: context}, nil
}

func (t *Tokenizer) SOT() int32 {
	return int32(t.vocab - 2)
}

func (t *Tokenizer) EOT() int32 {
	return int32(t.vocab - 1)
}

func (t *Tokenizer) ContextLength() int {
	return t.context
}

func (t *Tokenizer) Tokenize(s string) ([]int32, error) {
	ids := make([]int32, t.context)
	ids[0] = t.SOT()

	n := 1
	for _, w := range words(s) {
		if n == t.context-1 {
			break
		}

		ids[n] = t.id(w)
		n++
	}

	ids[n] = t.EOT()
	return ids, nil
}

func (t *Tokenizer) id(w string) int32 {
	h := fnv.New32a()
	h.Write([]byte(w))
	return int32(h.Sum32()%uint32(t.vocab-3)) + 1
}

// words splits s into lower-cased runs of letters and digits. Every other
// non-space rune is a word of its own.
func words(s string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 0 {
			out = append(out, sb.String())
			sb.Reset()
		}
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			out = append(out, string(r))
		}
	}
	flush()

	return out
}
