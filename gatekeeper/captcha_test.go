package gatekeeper

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"regexp"
	"slices"
	"strconv"
	"testing"
)

var (
	arithmeticQuestionPattern = regexp.MustCompile(`^What is (\d+) ([+\-×]) (\d+)\?$`)
	charCountQuestionPattern  = regexp.MustCompile(`^How many letters are in the word "([a-z]+)"\?$`)
	reverseQuestionPattern    = regexp.MustCompile(`^Spell the word "([a-z]+)" backwards\.$`)
)

func TestCaptchaGenerator_Generate(t *testing.T) {
	t.Parallel()
	gen := NewCaptchaGenerator()
	seen := map[CaptchaKind]int{}

	for n := 0; n < 500; n++ {
		c := gen.Generate()
		seen[c.Kind]++
		require.NotEmpty(t, c.Question)
		require.NotEmpty(t, c.Answer)

		switch c.Kind {
		case CaptchaArithmetic:
			m := arithmeticQuestionPattern.FindStringSubmatch(c.Question)
			require.NotNil(t, m, c.Question)
			a, _ := strconv.Atoi(m[1])
			b, _ := strconv.Atoi(m[3])
			var expected int
			switch m[2] {
			case "+":
				assert.LessOrEqual(t, a, arithmeticOperandMax)
				assert.LessOrEqual(t, b, arithmeticOperandMax)
				expected = a + b
			case "-":
				assert.GreaterOrEqual(t, a, b, "subtraction should never be negative")
				expected = a - b
			case "×":
				assert.LessOrEqual(t, a, multiplicationOperandMax)
				assert.LessOrEqual(t, b, multiplicationOperandMax)
				expected = a * b
			}
			assert.GreaterOrEqual(t, a, 1)
			assert.GreaterOrEqual(t, b, 1)
			assert.Equal(t, strconv.Itoa(expected), c.Answer, c.Question)
		case CaptchaCharCount:
			m := charCountQuestionPattern.FindStringSubmatch(c.Question)
			require.NotNil(t, m, c.Question)
			assert.Contains(t, charCountWords, m[1])
			assert.Equal(t, strconv.Itoa(len(m[1])), c.Answer)
		case CaptchaReverseSpell:
			m := reverseQuestionPattern.FindStringSubmatch(c.Question)
			require.NotNil(t, m, c.Question)
			assert.Contains(t, reverseSpellWords, m[1])
			runes := []rune(m[1])
			slices.Reverse(runes)
			assert.Equal(t, string(runes), c.Answer)
		default:
			t.Fatalf("unexpected kind: %q", c.Kind)
		}
	}

	for _, kind := range captchaKinds {
		assert.Positive(t, seen[kind], fmt.Sprintf("never generated %s", kind))
	}
}

func TestCaptchaChallenge_Check(t *testing.T) {
	t.Parallel()
	c := CaptchaChallenge{Question: `Spell the word "star" backwards.`, Answer: "rats", Kind: CaptchaReverseSpell}

	tests := []struct {
		answer string
		want   bool
	}{
		{"rats", true},
		{"  RATS ", true},
		{"Rats\n", true},
		{"star", false},
		{"", false},
		{"r a t s", false},
	}
	for _, tt := range tests {
		t.Run(
			strconv.Quote(tt.answer), func(t *testing.T) {
				assert.Equal(t, tt.want, c.Check(tt.answer))
			},
		)
	}
}

func TestCaptchaChallenge_LogValueOmitsAnswer(t *testing.T) {
	t.Parallel()
	c := arithmeticChallenge()
	v := c.LogValue().String()
	assert.Contains(t, v, c.Question)
	assert.NotContains(t, v, "answer")
}

func TestReverseString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", reverseString(""))
	assert.Equal(t, "a", reverseString("a"))
	assert.Equal(t, "god", reverseString("dog"))
	assert.Equal(t, "éfac", reverseString("café"))
}
