package gatekeeper

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
)

// CaptchaKind identifies the type of a captcha challenge
type CaptchaKind string

const (
	CaptchaArithmetic   CaptchaKind = "arithmetic"
	CaptchaCharCount    CaptchaKind = "char_count"
	CaptchaReverseSpell CaptchaKind = "reverse_spell"
)

var captchaKinds = []CaptchaKind{
	CaptchaArithmetic,
	CaptchaCharCount,
	CaptchaReverseSpell,
}

const (
	arithmeticOperandMax     = 20
	multiplicationOperandMax = 10
)

var (
	charCountWords = []string{
		"apple", "banana", "computer", "discord", "elephant", "giraffe",
		"keyboard", "mountain", "notebook", "penguin", "rainbow", "sandwich",
		"telescope", "umbrella", "volcano", "waterfall", "butterfly",
		"chocolate", "dinosaur", "hamburger",
	}
	reverseSpellWords = []string{
		"cat", "dog", "sun", "moon", "star", "tree", "fish", "bird",
		"book", "door",
	}
)

// CaptchaChallenge is a generated question and its expected answer
type CaptchaChallenge struct {
	Question string      `json:"question"`
	Answer   string      `json:"-"`
	Kind     CaptchaKind `json:"kind"`
}

func (c CaptchaChallenge) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(c.Kind)),
		slog.String("question", c.Question),
	)
}

// Check reports whether the given answer matches, ignoring case and
// surrounding whitespace
func (c CaptchaChallenge) Check(answer string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), c.Answer)
}

// CaptchaGenerator produces captcha challenges
type CaptchaGenerator interface {
	Generate() CaptchaChallenge
}

// NewCaptchaGenerator returns a CaptchaGenerator backed by crypto/rand.
// It has no mutable state and is safe for concurrent use.
func NewCaptchaGenerator() CaptchaGenerator {
	return randomCaptchaGenerator{}
}

type randomCaptchaGenerator struct{}

func (randomCaptchaGenerator) Generate() CaptchaChallenge {
	switch captchaKinds[randomInt(len(captchaKinds))] {
	case CaptchaCharCount:
		return charCountChallenge()
	case CaptchaReverseSpell:
		return reverseSpellChallenge()
	default:
		return arithmeticChallenge()
	}
}

func arithmeticChallenge() CaptchaChallenge {
	a := randomInt(arithmeticOperandMax) + 1
	b := randomInt(arithmeticOperandMax) + 1

	var op string
	var result int
	switch randomInt(3) {
	case 0:
		op = "+"
		result = a + b
	case 1:
		if b > a {
			a, b = b, a
		}
		op = "-"
		result = a - b
	default:
		a = randomInt(multiplicationOperandMax) + 1
		b = randomInt(multiplicationOperandMax) + 1
		op = "×"
		result = a * b
	}
	return CaptchaChallenge{
		Question: fmt.Sprintf("What is %d %s %d?", a, op, b),
		Answer:   strconv.Itoa(result),
		Kind:     CaptchaArithmetic,
	}
}

func charCountChallenge() CaptchaChallenge {
	word := charCountWords[randomInt(len(charCountWords))]
	return CaptchaChallenge{
		Question: fmt.Sprintf("How many letters are in the word %q?", word),
		Answer:   strconv.Itoa(len([]rune(word))),
		Kind:     CaptchaCharCount,
	}
}

func reverseSpellChallenge() CaptchaChallenge {
	word := reverseSpellWords[randomInt(len(reverseSpellWords))]
	return CaptchaChallenge{
		Question: fmt.Sprintf("Spell the word %q backwards.", word),
		Answer:   reverseString(word),
		Kind:     CaptchaReverseSpell,
	}
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// randomInt returns a uniform random int in [0, n)
func randomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return int(v.Int64())
}
