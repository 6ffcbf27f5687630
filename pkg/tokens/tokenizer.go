package tokens

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// EncodingName is the BPE vocabulary used for routing estimates.
const EncodingName = "cl100k_base"

var errTokenizerClosed = errors.New("tokenizer closed")

// Tokenizer counts tokens in a string. Implementations must be deterministic
// and safe for concurrent use.
type Tokenizer interface {
	Count(text string) (int, error)
}

var loaderOnce sync.Once

// BPETokenizer counts tokens with the cl100k byte-pair encoding. The
// vocabulary is embedded, so construction never touches the network.
type BPETokenizer struct {
	enc *tiktoken.Tiktoken
}

func NewBPETokenizer() (*BPETokenizer, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(EncodingName)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", EncodingName, err)
	}
	return &BPETokenizer{enc: enc}, nil
}

func (t *BPETokenizer) Count(text string) (n int, err error) {
	if t == nil || t.enc == nil {
		return 0, errTokenizerClosed
	}
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("encode: %v", r)
		}
	}()
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Close drops the encoding table. Callers must not use the tokenizer after.
func (t *BPETokenizer) Close() error {
	if t != nil {
		t.enc = nil
	}
	return nil
}
