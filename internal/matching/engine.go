package matching

import (
	"math"
	"sort"
	"time"

	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
)

type Action string

const (
	ActionAutoMatched       Action = "auto_matched"
	ActionSuggestionCreated Action = "suggestion_created"
	ActionNoMatchYet        Action = "no_match_yet"
)

type MatchType string

const (
	MatchTypeAutoMatched    MatchType = "auto_matched"
	MatchTypeHighConfidence MatchType = "high_confidence"
	MatchTypeSuggested      MatchType = "suggested"
)

// Config holds weights and thresholds. Weights should sum to 1.
type Config struct {
	EmbeddingWeight         float64
	AmountWeight            float64
	CurrencyWeight          float64
	DateWeight              float64
	AutoThreshold           float64
	SuggestThreshold        float64
	HighConfidenceThreshold float64
	MaxCandidates           int
}

func DefaultConfig() Config {
	return Config{
		EmbeddingWeight:         0.35,
		AmountWeight:            0.40,
		CurrencyWeight:          0.20,
		DateWeight:              0.05,
		AutoThreshold:           0.95,
		SuggestThreshold:        0.70,
		HighConfidenceThreshold: 0.72,
		MaxCandidates:           20,
	}
}

const replaceEpsilon = 0.001

// Document is the inbox side of a pair.
type Document struct {
	InboxID        uuid.UUID
	Money          Money
	Date           time.Time
	Kind           models.DocumentType
	Embedding      []float32
	AlreadyMatched bool
}

// Candidate is the transaction side of a pair.
type Candidate struct {
	TransactionID  uuid.UUID
	Money          Money
	Date           time.Time
	Recurring      bool
	Embedding      []float32
	AlreadyMatched bool
}

// Suggestion is the scored outcome for one pair. Sub-scores are rounded to three
// decimals; Action is derived from the unrounded confidence and the auto-match gate.
type Suggestion struct {
	TransactionID    uuid.UUID `json:"transactionId"`
	InboxID          uuid.UUID `json:"inboxId"`
	ConfidenceScore  float64   `json:"confidenceScore"`
	MatchType        MatchType `json:"matchType"`
	AmountScore      float64   `json:"amountScore"`
	CurrencyScore    float64   `json:"currencyScore"`
	DateScore        float64   `json:"dateScore"`
	EmbeddingScore   float64   `json:"embeddingScore"`
	IsAlreadyMatched bool      `json:"isAlreadyMatched"`
	Action           Action    `json:"action"`
	CrossCurrency    bool      `json:"crossCurrency"`

	confidence float64
}

func DocumentFromInbox(item *models.InboxItem, embedding []float32) Document {
	return Document{
		InboxID: item.ID,
		Money: Money{
			Amount:       deref(item.Amount),
			Currency:     derefString(item.Currency),
			BaseAmount:   deref(item.BaseAmount),
			BaseCurrency: derefString(item.BaseCurrency),
		},
		Date:           item.EffectiveDate(),
		Kind:           item.DocumentKind(),
		Embedding:      embedding,
		AlreadyMatched: item.TransactionID != nil,
	}
}

func CandidateFromTransaction(tx *models.Transaction) Candidate {
	return Candidate{
		TransactionID: tx.ID,
		Money: Money{
			Amount:       tx.Amount,
			Currency:     tx.Currency,
			BaseAmount:   deref(tx.BaseAmount),
			BaseCurrency: derefString(tx.BaseCurrency),
		},
		Date:           tx.Date,
		Recurring:      tx.Recurring,
		Embedding:      tx.Embedding,
		AlreadyMatched: tx.MatchedInboxID != nil,
	}
}

type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Config() Config {
	return s.cfg
}

// Score computes the weighted confidence for one pair, then applies the pattern
// boosts and penalties.
func (s *Scorer) Score(doc Document, cand Candidate) Suggestion {
	embedding := CosineSimilarity(doc.Embedding, cand.Embedding)
	amount := AmountScore(doc.Money, cand.Money)
	currency := CurrencyScore(doc.Money.Currency, cand.Money.Currency)
	date := DateScore(doc.Date, cand.Date, doc.Kind)

	confidence := embedding*s.cfg.EmbeddingWeight +
		amount*s.cfg.AmountWeight +
		currency*s.cfg.CurrencyWeight +
		date*s.cfg.DateWeight

	sameCurrency := doc.Money.Currency == cand.Money.Currency
	exactAmount := doc.Money.Amount != 0 && math.Abs(doc.Money.Amount-cand.Money.Amount) < 0.01
	baseMatch := doc.Money.BaseAmount != 0 && cand.Money.BaseAmount != 0 &&
		math.Abs(doc.Money.BaseAmount-cand.Money.BaseAmount) < 0.01

	perfect := sameCurrency && exactAmount
	crossExact := !sameCurrency && baseMatch && doc.Money.BaseCurrency == cand.Money.BaseCurrency
	strong := (perfect || crossExact) && embedding > 0.7
	good := amount > 0.85 && embedding > 0.75

	switch {
	case perfect && embedding > 0.8 && date > 0.7:
		confidence = math.Max(confidence, 0.98)
	case crossExact && embedding > 0.8 && date > 0.7:
		confidence = math.Max(confidence, 0.96)
	case perfect && date > 0.5:
		confidence = math.Max(confidence, 0.92)
	case strong && date > 0.4:
		confidence = math.Max(confidence, 0.88)
	case good && date > 0.3:
		confidence = math.Max(confidence, 0.82)
	}

	if !sameCurrency && currency < 0.7 {
		confidence *= 0.9
	}
	if date < 0.2 {
		confidence *= 0.85
	}

	switch {
	case embedding > 0.85:
		confidence = math.Min(1, confidence+0.08)
	case embedding > 0.75:
		confidence = math.Min(1, confidence+0.05)
	}

	recurring := cand.Recurring && exactAmount && embedding > 0.7
	if recurring {
		confidence = math.Max(confidence, 0.92)
	}

	action, matchType := s.Classify(confidence)
	if action == ActionAutoMatched && !autoEligible(perfect, crossExact, recurring, embedding, date) {
		action, matchType = ActionSuggestionCreated, MatchTypeHighConfidence
	}
	return Suggestion{
		TransactionID:    cand.TransactionID,
		InboxID:          doc.InboxID,
		ConfidenceScore:  round3(confidence),
		MatchType:        matchType,
		AmountScore:      round3(amount),
		CurrencyScore:    round3(currency),
		DateScore:        round3(date),
		EmbeddingScore:   round3(embedding),
		IsAlreadyMatched: doc.AlreadyMatched || cand.AlreadyMatched,
		Action:           action,
		CrossCurrency:    !sameCurrency && doc.Money.Currency != "" && cand.Money.Currency != "",
		confidence:       confidence,
	}
}

// Classify maps a confidence onto the three outcomes.
func (s *Scorer) Classify(confidence float64) (Action, MatchType) {
	switch {
	case confidence >= s.cfg.AutoThreshold:
		return ActionAutoMatched, MatchTypeAutoMatched
	case confidence < s.cfg.SuggestThreshold:
		return ActionNoMatchYet, ""
	case confidence >= s.cfg.HighConfidenceThreshold:
		return ActionSuggestionCreated, MatchTypeHighConfidence
	default:
		return ActionSuggestionCreated, MatchTypeSuggested
	}
}

// autoEligible gates auto-matching on the pair's evidence, not just the score.
// A near-exact amount with strong semantics can clear AutoThreshold yet still
// only earns a high confidence suggestion.
func autoEligible(perfect, crossExact, recurring bool, embedding, date float64) bool {
	switch {
	case perfect && embedding >= 0.75 && date >= 0.6:
		return true
	case crossExact && embedding >= 0.70 && date >= 0.5:
		return true
	default:
		return recurring
	}
}

// BestTransaction picks the highest scoring eligible transaction for a document. It
// returns nil when nothing reaches the suggestion threshold. An earlier candidate is
// replaced only by a strictly better score beyond a small epsilon, so input order
// breaks ties.
func (s *Scorer) BestTransaction(doc Document, candidates []Candidate) *Suggestion {
	if doc.AlreadyMatched {
		return nil
	}
	candidates = s.shortlist(doc.Money.Amount, candidates)

	var best *Suggestion
	highest := 0.0
	for _, cand := range candidates {
		if cand.AlreadyMatched {
			continue
		}
		sg := s.Score(doc, cand)
		if sg.Action == ActionNoMatchYet {
			continue
		}
		if sg.confidence > highest+replaceEpsilon {
			best = &sg
			highest = sg.confidence
		}
	}
	return best
}

// BestDocument is the reverse search: the best pending document for a transaction.
func (s *Scorer) BestDocument(cand Candidate, docs []Document) *Suggestion {
	if cand.AlreadyMatched {
		return nil
	}

	var best *Suggestion
	highest := 0.0
	for _, doc := range docs {
		if doc.AlreadyMatched {
			continue
		}
		sg := s.Score(doc, cand)
		if sg.Action == ActionNoMatchYet {
			continue
		}
		if sg.confidence > highest+replaceEpsilon {
			best = &sg
			highest = sg.confidence
		}
	}
	return best
}

// shortlist keeps the candidates closest in amount, bounded by MaxCandidates.
func (s *Scorer) shortlist(amount float64, candidates []Candidate) []Candidate {
	if len(candidates) <= s.cfg.MaxCandidates {
		return candidates
	}
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Money.Amount-amount) < math.Abs(out[j].Money.Amount-amount)
	})
	return out[:s.cfg.MaxCandidates]
}

// CandidateWindow is the transaction date range searched for a document.
func CandidateWindow(kind models.DocumentType, docDate time.Time) (from, to time.Time) {
	const day = 24 * time.Hour
	if kind == models.DocumentTypeInvoice {
		return docDate.Add(-10 * day), docDate.Add(123 * day)
	}
	return docDate.Add(-93 * day), docDate.Add(10 * day)
}

// ReverseWindow is the document date range searched for a transaction.
func ReverseWindow(txDate time.Time) (from, to time.Time) {
	const span = 90 * 24 * time.Hour
	return txDate.Add(-span), txDate.Add(span)
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
