package matching

import (
	"math"
	"testing"
	"time"

	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func usd(amount float64) Money {
	return Money{Amount: amount, Currency: "USD"}
}

func TestAmountScore(t *testing.T) {
	tests := []struct {
		name string
		a, b Money
		want float64
	}{
		{"exact same currency", usd(42.5), usd(42.5), 1},
		{"one percent capped by bonus", usd(100), usd(99.5), 1},
		{"four percent", usd(100), usd(96), 0.935},
		{"fifteen percent", usd(50), usd(42.5), 0.33},
		{"beyond twenty percent", usd(100), usd(70), 0},
		{"missing amount", Money{Currency: "USD"}, usd(10), 0.5},
		{"different currency without base", usd(100), Money{Amount: 100, Currency: "EUR"}, 0.4},
		{"different currency opposite signs far apart", usd(600), Money{Amount: -100, Currency: "EUR"}, 0.1},
		{
			"cross currency base",
			Money{Amount: 100, Currency: "USD", BaseAmount: 92, BaseCurrency: "EUR"},
			Money{Amount: 92, Currency: "EUR", BaseAmount: 92, BaseCurrency: "EUR"},
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AmountScore(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCurrencyScore(t *testing.T) {
	assert.Equal(t, 1.0, CurrencyScore("USD", "USD"))
	assert.Equal(t, 0.5, CurrencyScore("", "USD"))
	assert.Equal(t, 0.3, CurrencyScore("USD", "EUR"))
}

func TestDateScore(t *testing.T) {
	doc := day(2024, 1, 10)
	tests := []struct {
		name string
		tx   time.Time
		kind models.DocumentType
		want float64
	}{
		{"expense same day", doc, models.DocumentTypeExpense, 0.85},
		{"expense transaction two days earlier", doc.AddDate(0, 0, -2), models.DocumentTypeExpense, 0.95},
		{"expense transaction a month earlier", doc.AddDate(0, 0, -45), models.DocumentTypeExpense, 0.80},
		{"expense far in the past", doc.AddDate(0, 0, -100), models.DocumentTypeExpense, 0.1},
		{"invoice net 30", doc.AddDate(0, 0, 30), models.DocumentTypeInvoice, 0.98},
		{"invoice net 7", doc.AddDate(0, 0, 5), models.DocumentTypeInvoice, 0.93},
		{"invoice immediate", doc.AddDate(0, 0, 2), models.DocumentTypeInvoice, 0.99},
		{"invoice extended terms", doc.AddDate(0, 0, 100), models.DocumentTypeInvoice, 0.766},
		{"invoice advance payment", doc.AddDate(0, 0, -5), models.DocumentTypeInvoice, 0.85},
		{"invoice paid long before", doc.AddDate(0, 0, -20), models.DocumentTypeInvoice, 1 - 20.0/30*0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DateScore(doc, tt.tx, tt.kind), 1e-9)
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, []float32{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
}

func scenarioDocument() Document {
	return Document{
		InboxID:   uuid.New(),
		Money:     usd(42.50),
		Date:      day(2024, 1, 10),
		Kind:      models.DocumentTypeExpense,
		Embedding: []float32{1, 0},
	}
}

func TestScenarioExactReceiptAutoMatches(t *testing.T) {
	s := NewScorer(DefaultConfig())
	tx := Candidate{
		TransactionID: uuid.New(),
		Money:         usd(42.50),
		Date:          day(2024, 1, 11),
		Embedding:     []float32{1, 0},
	}

	best := s.BestTransaction(scenarioDocument(), []Candidate{tx})
	require.NotNil(t, best)
	assert.Equal(t, ActionAutoMatched, best.Action)
	assert.Equal(t, MatchTypeAutoMatched, best.MatchType)
	assert.Equal(t, tx.TransactionID, best.TransactionID)
	assert.Equal(t, 1.0, best.AmountScore)
	assert.Equal(t, 1.0, best.CurrencyScore)
	assert.False(t, best.CrossCurrency)
}

func TestScenarioAmountDeviationNoMatch(t *testing.T) {
	s := NewScorer(DefaultConfig())
	tx := Candidate{
		TransactionID: uuid.New(),
		Money:         usd(50.00),
		Date:          day(2024, 1, 11),
		Embedding:     []float32{0.7, float32(math.Sqrt(1 - 0.49))},
	}

	sg := s.Score(scenarioDocument(), tx)
	assert.Equal(t, ActionNoMatchYet, sg.Action)
	assert.Less(t, sg.ConfidenceScore, DefaultConfig().SuggestThreshold)
	assert.Nil(t, s.BestTransaction(scenarioDocument(), []Candidate{tx}))
}

func TestPerfectFinancialMatchWithoutSemanticsIsSuggestion(t *testing.T) {
	s := NewScorer(DefaultConfig())
	tx := Candidate{
		TransactionID: uuid.New(),
		Money:         usd(42.50),
		Date:          day(2024, 1, 11),
		Embedding:     []float32{0, 1},
	}

	sg := s.Score(scenarioDocument(), tx)
	assert.Equal(t, ActionSuggestionCreated, sg.Action)
	assert.Equal(t, MatchTypeHighConfidence, sg.MatchType)
	assert.InDelta(t, 0.92, sg.ConfidenceScore, 1e-9)
}

func TestNearExactAmountNeverAutoMatches(t *testing.T) {
	s := NewScorer(DefaultConfig())
	doc := Document{
		InboxID:   uuid.New(),
		Money:     usd(100.00),
		Date:      day(2024, 1, 10),
		Kind:      models.DocumentTypeExpense,
		Embedding: []float32{1, 0},
	}
	tx := Candidate{
		TransactionID: uuid.New(),
		Money:         usd(100.90),
		Date:          day(2024, 1, 11),
		Embedding:     []float32{0.9, float32(math.Sqrt(1 - 0.81))},
	}

	sg := s.Score(doc, tx)
	assert.GreaterOrEqual(t, sg.ConfidenceScore, DefaultConfig().AutoThreshold)
	assert.Equal(t, ActionSuggestionCreated, sg.Action)
	assert.Equal(t, MatchTypeHighConfidence, sg.MatchType)

	best := s.BestTransaction(doc, []Candidate{tx})
	require.NotNil(t, best)
	assert.Equal(t, ActionSuggestionCreated, best.Action)
}

func TestAutoEligibleTiers(t *testing.T) {
	assert.True(t, autoEligible(true, false, false, 0.75, 0.6))
	assert.False(t, autoEligible(true, false, false, 0.74, 0.9))
	assert.False(t, autoEligible(true, false, false, 0.9, 0.59))
	assert.True(t, autoEligible(false, true, false, 0.70, 0.5))
	assert.False(t, autoEligible(false, true, false, 0.69, 0.9))
	assert.True(t, autoEligible(false, false, true, 0.71, 0.1))
	assert.False(t, autoEligible(false, false, false, 1, 1))
}

func TestRecurringBoost(t *testing.T) {
	s := NewScorer(DefaultConfig())
	doc := scenarioDocument()
	doc.Date = day(2023, 6, 1)
	tx := Candidate{
		TransactionID: uuid.New(),
		Money:         usd(42.50),
		Date:          day(2024, 1, 11),
		Recurring:     true,
		Embedding:     []float32{0.72, float32(math.Sqrt(1 - 0.72*0.72))},
	}

	sg := s.Score(doc, tx)
	assert.GreaterOrEqual(t, sg.ConfidenceScore, 0.92)
}

func TestAlreadyMatchedAreNeverCandidates(t *testing.T) {
	s := NewScorer(DefaultConfig())
	matched := uuid.New()
	tx := Candidate{
		TransactionID:  uuid.New(),
		Money:          usd(42.50),
		Date:           day(2024, 1, 11),
		Embedding:      []float32{1, 0},
		AlreadyMatched: true,
	}
	assert.Nil(t, s.BestTransaction(scenarioDocument(), []Candidate{tx}))

	doc := scenarioDocument()
	doc.AlreadyMatched = true
	tx.AlreadyMatched = false
	tx.TransactionID = matched
	assert.Nil(t, s.BestTransaction(doc, []Candidate{tx}))
	assert.Nil(t, s.BestDocument(tx, []Document{doc}))
}

func TestBestTransactionPicksHighestAndKeepsEarlierOnTie(t *testing.T) {
	s := NewScorer(DefaultConfig())
	weaker := Candidate{TransactionID: uuid.New(), Money: usd(44), Date: day(2024, 1, 11), Embedding: []float32{0.8, 0.6}}
	first := Candidate{TransactionID: uuid.New(), Money: usd(42.50), Date: day(2024, 1, 11), Embedding: []float32{1, 0}}
	twin := first
	twin.TransactionID = uuid.New()

	best := s.BestTransaction(scenarioDocument(), []Candidate{weaker, first, twin})
	require.NotNil(t, best)
	assert.Equal(t, first.TransactionID, best.TransactionID)
}

func TestBestDocument(t *testing.T) {
	s := NewScorer(DefaultConfig())
	tx := Candidate{TransactionID: uuid.New(), Money: usd(42.50), Date: day(2024, 1, 11), Embedding: []float32{1, 0}}
	other := scenarioDocument()
	other.Money = usd(10)
	other.Embedding = []float32{0, 1}
	target := scenarioDocument()

	best := s.BestDocument(tx, []Document{other, target})
	require.NotNil(t, best)
	assert.Equal(t, target.InboxID, best.InboxID)
	assert.Equal(t, ActionAutoMatched, best.Action)
}

func TestShortlistBoundsCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidates = 2
	s := NewScorer(cfg)

	closest := Candidate{TransactionID: uuid.New(), Money: usd(42.50), Date: day(2024, 1, 11), Embedding: []float32{1, 0}}
	var cands []Candidate
	for i := 0; i < 3; i++ {
		cands = append(cands, Candidate{TransactionID: uuid.New(), Money: usd(1000), Date: day(2024, 1, 11)})
	}
	cands = append(cands, closest)

	best := s.BestTransaction(scenarioDocument(), cands)
	require.NotNil(t, best)
	assert.Equal(t, closest.TransactionID, best.TransactionID)
}

func TestClassifyBoundaries(t *testing.T) {
	s := NewScorer(DefaultConfig())

	a, m := s.Classify(0.95)
	assert.Equal(t, ActionAutoMatched, a)
	assert.Equal(t, MatchTypeAutoMatched, m)

	a, m = s.Classify(0.9499)
	assert.Equal(t, ActionSuggestionCreated, a)
	assert.Equal(t, MatchTypeHighConfidence, m)

	a, m = s.Classify(0.71)
	assert.Equal(t, ActionSuggestionCreated, a)
	assert.Equal(t, MatchTypeSuggested, m)

	a, _ = s.Classify(0.6999)
	assert.Equal(t, ActionNoMatchYet, a)
}

func TestCandidateWindows(t *testing.T) {
	doc := day(2024, 3, 1)

	from, to := CandidateWindow(models.DocumentTypeExpense, doc)
	assert.Equal(t, doc.AddDate(0, 0, -93), from)
	assert.Equal(t, doc.AddDate(0, 0, 10), to)

	from, to = CandidateWindow(models.DocumentTypeInvoice, doc)
	assert.Equal(t, doc.AddDate(0, 0, -10), from)
	assert.Equal(t, doc.AddDate(0, 0, 123), to)

	from, to = ReverseWindow(doc)
	assert.Equal(t, doc.AddDate(0, 0, -90), from)
	assert.Equal(t, doc.AddDate(0, 0, 90), to)
}
