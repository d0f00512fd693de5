package circles

import (
	"crypto/rand"
	"io"
	"math/big"
)

const (
	// CodeLength is the number of symbols in a join code.
	CodeLength = 6
	// CodeAlphabet lists the symbols a join code is drawn from.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz1234567890"
)

// CodeGenerator samples candidate join codes.
type CodeGenerator interface {
	NewCode() (string, error)
}

type secureCodeGenerator struct {
	source io.Reader
}

// NewSecureCodeGenerator returns a generator backed by crypto/rand.
func NewSecureCodeGenerator() CodeGenerator {
	return &secureCodeGenerator{source: rand.Reader}
}

func (g *secureCodeGenerator) NewCode() (string, error) {
	alphabetSize := big.NewInt(int64(len(CodeAlphabet)))
	code := make([]byte, CodeLength)
	for index := range code {
		position, err := rand.Int(g.source, alphabetSize)
		if err != nil {
			return "", err
		}
		code[index] = CodeAlphabet[position.Int64()]
	}
	return string(code), nil
}

// IsWellFormedCode reports whether code has the join code length and alphabet.
func IsWellFormedCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for index := 0; index < len(code); index++ {
		if !isCodeSymbol(code[index]) {
			return false
		}
	}
	return true
}

func isCodeSymbol(symbol byte) bool {
	switch {
	case symbol >= 'A' && symbol <= 'Z':
		return true
	case symbol >= 'a' && symbol <= 'z':
		return true
	case symbol >= '0' && symbol <= '9':
		return true
	default:
		return false
	}
}
