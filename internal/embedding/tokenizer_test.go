package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimpleTokenizer_Tokenize(t *testing.T) {
	tok := &SimpleTokenizer{}
	ids, attn, types := tok.Tokenize("hello world", 10)
	assert.Len(t, ids, 10)
	assert.Len(t, types, 10)
	assert.Equal(t, int64(clsToken), ids[0])
	assert.Equal(t, int64(sepToken), ids[3])
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0, 0, 0, 0, 0}, attn)

	upper, _, _ := tok.Tokenize("HELLO World", 10)
	assert.Equal(t, ids, upper, "tokenization is case-insensitive")
}

func TestSimpleTokenizer_truncatesToMaxTokens(t *testing.T) {
	ids, attn, _ := (&SimpleTokenizer{}).Tokenize("a b c d e f g h", 4)
	assert.Len(t, ids, 4)
	assert.Equal(t, []int64{1, 1, 1, 1}, attn)
}

func TestSplitWords(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitWords("  a \n b\t c  "))
	assert.Nil(t, SplitWords(""))
	assert.Nil(t, SplitWords("   "))
}

func TestHashString(t *testing.T) {
	assert.Equal(t, HashString("kioku"), HashString("kioku"))
	assert.NotEqual(t, HashString("a"), HashString("b"))
	assert.GreaterOrEqual(t, HashString("a very long string that may overflow the hash"), 0)
}
