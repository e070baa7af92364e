package card

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mezopay/credit-engine/internal/model"
)

// Default limits for a locally issued card, in debt units.
var (
	DefaultDailyLimit   = decimal.NewFromInt(1000)
	DefaultMonthlyLimit = decimal.NewFromInt(10000)
)

const cardPrefix = "4532" // visa-style BIN for display

// Generator issues placeholder cards for a credit line whose contract has
// not reported one yet.
type Generator struct {
	Rand         io.Reader // defaults to crypto/rand
	Now          func() time.Time
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
}

// NewGenerator returns a generator with crypto randomness and default limits.
func NewGenerator() *Generator {
	return &Generator{
		Rand:         rand.Reader,
		Now:          time.Now,
		DailyLimit:   DefaultDailyLimit,
		MonthlyLimit: DefaultMonthlyLimit,
	}
}

// Issue creates an active card for holder with a Luhn-valid 16 digit number
// expiring three years from now.
func (g *Generator) Issue(holder string) (model.VirtualCard, error) {
	digits, err := g.digits(15 - len(cardPrefix))
	if err != nil {
		return model.VirtualCard{}, fmt.Errorf("generate card number: %w", err)
	}
	body := cardPrefix + digits
	number := body + strconv.Itoa(luhnCheckDigit(body))

	cvv, err := g.digits(3)
	if err != nil {
		return model.VirtualCard{}, fmt.Errorf("generate cvv: %w", err)
	}

	expires := g.Now().AddDate(3, 0, 0)
	return model.VirtualCard{
		CardNumber:   groupDigits(number),
		Expiry:       expires.Format("01/06"),
		CVV:          cvv,
		HolderName:   strings.ToUpper(holder),
		DailyLimit:   g.DailyLimit,
		MonthlyLimit: g.MonthlyLimit,
		DailySpent:   decimal.Zero,
		MonthlySpent: decimal.Zero,
		IsActive:     true,
		Local:        true,
	}, nil
}

func (g *Generator) digits(n int) (string, error) {
	var sb strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		v, err := rand.Int(g.Rand, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + v.Int64()))
	}
	return sb.String(), nil
}

// luhnCheckDigit returns the digit that makes body+digit pass the Luhn check.
func luhnCheckDigit(body string) int {
	sum := 0
	double := true
	for i := len(body) - 1; i >= 0; i-- {
		n := int(body[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return (10 - sum%10) % 10
}

// LuhnValid reports whether a card number (spaces allowed) passes the Luhn check.
func LuhnValid(number string) bool {
	digits := strings.ReplaceAll(number, " ", "")
	if len(digits) < 2 {
		return false
	}
	return luhnCheckDigit(digits[:len(digits)-1]) == int(digits[len(digits)-1]-'0')
}

func groupDigits(s string) string {
	var parts []string
	for i := 0; i < len(s); i += 4 {
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		parts = append(parts, s[i:end])
	}
	return strings.Join(parts, " ")
}
