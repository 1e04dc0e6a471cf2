package claims

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PriceProvider supplies the negotiated unit price for a procedure code when
// a line item is added without an explicit price.
type PriceProvider interface {
	UnitPrice(ctx context.Context, insurerID string, procedureCode string) (float64, error)
}

// StaticPriceList is an in-memory PriceProvider keyed by procedure code, with
// optional per-insurer overrides.
type StaticPriceList struct {
	mu        sync.RWMutex
	base      map[string]float64
	byInsurer map[string]map[string]float64
}

func NewStaticPriceList(base map[string]float64) *StaticPriceList {
	if base == nil {
		base = make(map[string]float64)
	}
	return &StaticPriceList{
		base:      base,
		byInsurer: make(map[string]map[string]float64),
	}
}

// SetInsurerPrice records a per-insurer override for a procedure code.
func (p *StaticPriceList) SetInsurerPrice(insurerID, code string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	table, ok := p.byInsurer[insurerID]
	if !ok {
		table = make(map[string]float64)
		p.byInsurer[insurerID] = table
	}
	table[code] = price
}

func (p *StaticPriceList) UnitPrice(_ context.Context, insurerID, code string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if table, ok := p.byInsurer[insurerID]; ok {
		if price, ok := table[code]; ok {
			return price, nil
		}
	}
	if price, ok := p.base[code]; ok {
		return price, nil
	}
	return 0, fmt.Errorf("no price for procedure code %q: %w", code, ErrNotFound)
}

// Artifact identifies a generated submission file. Only the name and content
// digest are recorded; the bytes themselves are handed to the transport side
// and never stored here.
type Artifact struct {
	Name   string
	SHA256 string
}

// ArtifactGenerator renders a batch into the insurer's submission format.
type ArtifactGenerator interface {
	Generate(ctx context.Context, b *Batch) (*Artifact, error)
}

// JSONArtifactGenerator emits a deterministic JSON envelope of the batch and
// its claims. Determinism matters: regenerating an unchanged batch must yield
// the same digest so retransmissions can be detected.
type JSONArtifactGenerator struct{}

type artifactLine struct {
	Code      string  `json:"code"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Total     float64 `json:"total"`
}

type artifactClaim struct {
	EpisodeID   string         `json:"episode_id"`
	CoverageID  string         `json:"coverage_id"`
	Type        string         `json:"type"`
	ServiceDate string         `json:"service_date"`
	Total       float64        `json:"total"`
	Lines       []artifactLine `json:"lines"`
}

type artifactEnvelope struct {
	ClinicID   string          `json:"clinic_id"`
	InsurerID  string          `json:"insurer_id"`
	SequenceNo int             `json:"sequence_no"`
	Total      float64         `json:"total"`
	Claims     []artifactClaim `json:"claims"`
}

func (JSONArtifactGenerator) Generate(_ context.Context, b *Batch) (*Artifact, error) {
	env := artifactEnvelope{
		ClinicID:   b.ClinicID.String(),
		InsurerID:  b.InsurerID.String(),
		SequenceNo: b.SequenceNo,
		Total:      b.Total(),
	}
	claims := make([]*Claim, len(b.Claims))
	copy(claims, b.Claims)
	sort.Slice(claims, func(i, j int) bool { return claims[i].ID.String() < claims[j].ID.String() })
	for _, c := range claims {
		ac := artifactClaim{
			EpisodeID:   c.EpisodeID.String(),
			CoverageID:  c.CoverageID.String(),
			Type:        string(c.Type),
			ServiceDate: c.ServiceDate.UTC().Format("2006-01-02"),
			Total:       c.TotalAmount,
		}
		for _, li := range c.Items {
			ac.Lines = append(ac.Lines, artifactLine{
				Code:      li.Code,
				Quantity:  li.Quantity,
				UnitPrice: li.UnitPrice,
				Total:     li.Total,
			})
		}
		env.Claims = append(env.Claims, ac)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact envelope: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &Artifact{
		Name:   fmt.Sprintf("batch-%s-%04d.json", b.InsurerID, b.SequenceNo),
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

var _ ArtifactGenerator = JSONArtifactGenerator{}

// clock lets tests pin the wall time the service stamps onto entities.
type clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
