package repo

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"boardline/internal/domain"
)

// Fixtures seeds a local store: schemas plus documents keyed by doctype.
// Field keys follow the platform's JSON names, so the YAML is decoded
// generically and re-read through the JSON tags.
type Fixtures struct {
	Doctypes  []domain.DocType            `json:"doctypes"`
	Documents map[string][]map[string]any `json:"documents"`
}

type FixtureReport struct {
	Doctypes int `json:"doctypes"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
}

//go:embed fixtures/sample.yml
var sampleFixtures []byte

// SampleFixtures is a small Scrum and Kanban workspace for demos and tests.
func SampleFixtures() []byte { return sampleFixtures }

func ParseFixtures(data []byte) (*Fixtures, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid fixtures yaml: %w", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("fixtures: %w", err)
	}
	var fx Fixtures
	if err := json.Unmarshal(b, &fx); err != nil {
		return nil, fmt.Errorf("fixtures: %w", err)
	}
	return &fx, nil
}

func (r Repo) LoadFixturesFile(ctx context.Context, path string) (FixtureReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FixtureReport{}, err
	}
	fx, err := ParseFixtures(data)
	if err != nil {
		return FixtureReport{}, err
	}
	return r.LoadFixtures(ctx, fx)
}

// LoadFixtures upserts schemas first, then documents by name.
func (r Repo) LoadFixtures(ctx context.Context, fx *Fixtures) (FixtureReport, error) {
	var rep FixtureReport
	if fx == nil {
		return rep, nil
	}
	for i := range fx.Doctypes {
		if err := r.PutDocType(ctx, &fx.Doctypes[i]); err != nil {
			return rep, fmt.Errorf("doctype %s: %w", fx.Doctypes[i].Name, err)
		}
		rep.Doctypes++
	}
	for doctype, docs := range fx.Documents {
		for _, d := range docs {
			name := domain.Stringify(d["name"])
			if name != "" {
				_, err := r.GetDocument(ctx, doctype, name)
				if err == nil {
					if _, err := r.UpdateDocument(ctx, doctype, name, d); err != nil {
						return rep, fmt.Errorf("%s %s: %w", doctype, name, err)
					}
					rep.Updated++
					continue
				}
				if !errors.Is(err, ErrNotFound) {
					return rep, err
				}
			}
			if _, err := r.CreateDocument(ctx, doctype, d); err != nil {
				return rep, fmt.Errorf("%s %s: %w", doctype, name, err)
			}
			rep.Created++
		}
	}
	return rep, nil
}
